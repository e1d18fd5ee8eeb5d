package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vismarket/core/events"
	"vismarket/native/credits"
	"vismarket/native/services"
	"vismarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32010
	codeForbidden      = -32011
	codeConflict       = -32012
	codePayment        = -32013
)

// Server exposes the credit ledger and the service escrow over JSON-RPC,
// plus the websocket event feed, Prometheus metrics and a health probe.
// Engine calls are serialized under a single mutex; the engines themselves
// are not safe for concurrent mutation.
type Server struct {
	mu sync.Mutex

	credits  *credits.Engine
	services *services.Engine
	journal  *events.Journal

	authToken string
	metrics   *observability.ModuleMetrics
}

// NewServer wires a server over the two engines. The journal may be nil when
// the event feed is disabled.
func NewServer(creditsEngine *credits.Engine, servicesEngine *services.Engine, journal *events.Journal) *Server {
	return &Server{
		credits:   creditsEngine,
		services:  servicesEngine,
		journal:   journal,
		authToken: strings.TrimSpace(os.Getenv("VISMARKET_RPC_TOKEN")),
		metrics:   observability.Modules(),
	}
}

// Router builds the HTTP mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Post("/", s.handle)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws/events", s.handleEventFeed)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	status := s.dispatch(w, r, req)
	module, method := splitMethod(req.Method)
	s.metrics.Observe(module, method, status, start)
}

func splitMethod(full string) (string, string) {
	if idx := strings.IndexByte(full, '_'); idx > 0 {
		return full[:idx], full[idx+1:]
	}
	return full, full
}

// dispatch invokes the handler for a method and returns an empty string on
// success or a short status label for the metrics pipeline.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	type handler struct {
		fn       func(http.ResponseWriter, *RPCRequest) string
		auth     bool
		mutating bool
	}
	handlers := map[string]handler{
		"credits_quote":                {fn: s.handleCreditsQuote},
		"credits_getVisibility":        {fn: s.handleCreditsGetVisibility},
		"credits_balanceOf":            {fn: s.handleCreditsBalanceOf},
		"credits_getTreasury":          {fn: s.handleCreditsGetTreasury},
		"credits_buy":                  {fn: s.handleCreditsBuy, auth: true, mutating: true},
		"credits_sell":                 {fn: s.handleCreditsSell, auth: true, mutating: true},
		"credits_claimCreatorFee":      {fn: s.handleCreditsClaimCreatorFee, auth: true, mutating: true},
		"credits_transfer":             {fn: s.handleCreditsTransfer, auth: true, mutating: true},
		"credits_setCreatorVisibility": {fn: s.handleCreditsSetCreatorVisibility, auth: true, mutating: true},
		"credits_setReferrerPartner":   {fn: s.handleCreditsSetReferrerPartner, auth: true, mutating: true},
		"credits_updateTreasury":       {fn: s.handleCreditsUpdateTreasury, auth: true, mutating: true},

		"services_get":                {fn: s.handleServicesGet},
		"services_getExecution":       {fn: s.handleServicesGetExecution},
		"services_buyBackPool":        {fn: s.handleServicesBuyBackPool},
		"services_create":             {fn: s.handleServicesCreate, auth: true, mutating: true},
		"services_createWithWei":      {fn: s.handleServicesCreateWithWei, auth: true, mutating: true},
		"services_reprice":            {fn: s.handleServicesReprice, auth: true, mutating: true},
		"services_update":             {fn: s.handleServicesUpdate, auth: true, mutating: true},
		"services_updateBuyBackShare": {fn: s.handleServicesUpdateBuyBackShare, auth: true, mutating: true},
		"services_request":            {fn: s.handleServicesRequest, auth: true, mutating: true},
		"services_accept":             {fn: s.handleServicesAccept, auth: true, mutating: true},
		"services_cancel":             {fn: s.handleServicesCancel, auth: true, mutating: true},
		"services_validate":           {fn: s.handleServicesValidate, auth: true, mutating: true},
		"services_dispute":            {fn: s.handleServicesDispute, auth: true, mutating: true},
		"services_resolve":            {fn: s.handleServicesResolve, auth: true, mutating: true},
		"services_addInformation":     {fn: s.handleServicesAddInformation, auth: true, mutating: true},
		"services_buyBack":            {fn: s.handleServicesBuyBack, auth: true, mutating: true},
	}

	h, ok := handlers[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return "method_not_found"
	}
	if h.auth {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return "unauthorized"
		}
	}
	if h.mutating {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return h.fn(w, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// --- shared helpers ---

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return addr, nil
	}
	trimmed = strings.TrimPrefix(trimmed, "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("invalid address %q: want 20 bytes, got %d", raw, len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

// decodeSingleParam unmarshals the single positional params object.
func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// writeEngineError maps engine sentinel errors onto RPC error codes and
// returns the status label used for metrics.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) string {
	code := codeServerError
	status := http.StatusInternalServerError
	label := "internal"
	switch {
	case errors.Is(err, services.ErrServiceNotFound),
		errors.Is(err, services.ErrExecutionNotFound):
		code, status, label = codeNotFound, http.StatusNotFound, "not_found"
	case errors.Is(err, services.ErrUnauthorized),
		errors.Is(err, credits.ErrUnauthorized):
		code, status, label = codeForbidden, http.StatusForbidden, "forbidden"
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrServiceDisabled):
		code, status, label = codeConflict, http.StatusConflict, "conflict"
	case errors.Is(err, services.ErrInsufficientPayment),
		errors.Is(err, services.ErrPaymentNotAccepted),
		errors.Is(err, services.ErrInsufficientPoolFunds),
		errors.Is(err, services.ErrSlippageExceeded),
		errors.Is(err, credits.ErrInsufficientPayment),
		errors.Is(err, credits.ErrInsufficientFunds):
		code, status, label = codePayment, http.StatusPaymentRequired, "payment"
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidShare),
		errors.Is(err, services.ErrWrongPaymentType),
		errors.Is(err, services.ErrPayloadTooLarge),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrZeroAddress):
		code, status, label = codeInvalidParams, http.StatusBadRequest, "invalid_params"
	}
	writeError(w, status, id, code, err.Error(), nil)
	return label
}

func invalidParams(w http.ResponseWriter, id interface{}, err error) string {
	writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	return "invalid_params"
}
