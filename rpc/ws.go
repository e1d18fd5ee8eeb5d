package rpc

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// handleEventFeed streams journal envelopes over a websocket. The optional
// cursor query parameter replays history from that sequence number before
// live events; omitted or zero starts at the beginning.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "event journal disabled", http.StatusNotImplemented)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed terminated")

	live, cancel, backlog, err := s.journal.Subscribe(cursor)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	ctx := r.Context()
	send := func(v interface{}) error {
		writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
		defer done()
		return wsjson.Write(writeCtx, conn, v)
	}

	for _, env := range backlog {
		if err := send(env); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case env, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "journal closed")
				return
			}
			if err := send(env); err != nil {
				return
			}
		}
	}
}
