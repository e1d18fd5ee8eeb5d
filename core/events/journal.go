package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"vismarket/core/types"
)

var bucketEvents = []byte("events")

// Carrier is implemented by module events that wrap a canonical payload.
type Carrier interface {
	Event() *types.Event
}

// Envelope is the persisted form of an emitted event. Seq is strictly
// increasing and doubles as the replay cursor handed to indexers.
type Envelope struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Journal persists every emitted event to a Bolt database and fans live
// envelopes out to subscribers. It satisfies the Emitter interface so engines
// can write to it directly.
type Journal struct {
	db    *bolt.DB
	nowFn func() int64

	mu   sync.Mutex
	subs map[uint64]chan Envelope
	next uint64
}

// OpenJournal initialises (and migrates) the Bolt-backed journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{
		db:    db,
		nowFn: func() int64 { return time.Now().Unix() },
		subs:  make(map[uint64]chan Envelope),
	}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// SetNowFunc overrides the timestamp source. Intended for tests.
func (j *Journal) SetNowFunc(now func() int64) {
	if now == nil {
		j.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	j.nowFn = now
}

// Emit implements the Emitter interface. Events that do not carry a canonical
// payload are journalled with their type only.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      evt.EventType(),
		Timestamp: j.nowFn(),
	}
	if carrier, ok := evt.(Carrier); ok {
		if payload := carrier.Event(); payload != nil {
			env.Attributes = payload.Attributes
		}
	}
	if err := j.append(&env); err != nil {
		return
	}
	j.mu.Lock()
	for _, ch := range j.subs {
		select {
		case ch <- env:
		default:
			// Slow subscribers drop live events; they recover via cursor replay.
		}
	}
	j.mu.Unlock()
}

func (j *Journal) append(env *Envelope) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		if bucket == nil {
			return fmt.Errorf("events: bucket missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		env.Seq = seq
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), payload)
	})
}

// Replay returns all envelopes with Seq greater than the supplied cursor in
// append order.
func (j *Journal) Replay(cursor uint64) ([]Envelope, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("events: journal unavailable")
	}
	var backlog []Envelope
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(seqKey(cursor + 1)); k != nil; k, v = c.Next() {
			var env Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			backlog = append(backlog, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return backlog, nil
}

// Subscribe registers a live feed starting after cursor. The returned backlog
// covers everything already journalled past the cursor; cancel must be called
// to release the subscription.
func (j *Journal) Subscribe(cursor uint64) (<-chan Envelope, func(), []Envelope, error) {
	backlog, err := j.Replay(cursor)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan Envelope, 64)
	j.mu.Lock()
	id := j.next
	j.next++
	j.subs[id] = ch
	j.mu.Unlock()
	cancel := func() {
		j.mu.Lock()
		if existing, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(existing)
		}
		j.mu.Unlock()
	}
	return ch, cancel, backlog, nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
