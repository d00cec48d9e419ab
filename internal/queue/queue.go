// Package queue is the durable store-and-forward ledger: priority ordering,
// retry with backoff, tombstoned deletes and hash-based reconciliation.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
	"meshlink/internal/telemetry"
)

type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusRetrying
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusRetrying:
		return "retrying"
	case StatusDelivered:
		return "delivered"
	default:
		return "failed"
	}
}

func (s Status) terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

var (
	ErrDeliveryFailed = errors.New("delivery failed after retry budget")
	ErrTombstoned     = errors.New("message id is tombstoned")
	ErrDuplicateID    = errors.New("message id already queued")
	ErrUnknownMessage = errors.New("unknown message id")
	ErrTerminalState  = errors.New("message in terminal state")
)

// Message is one entry awaiting or having attempted delivery. Envelope holds
// the encoded wire envelope so relayed-in traffic can be pushed onward
// without re-encryption.
type Message struct {
	ID            [16]byte
	Recipient     proto.NodeID
	Sender        proto.NodeID
	Priority      proto.Priority
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	QueuedAt      time.Time
	DeliveredAt   time.Time
	FailedAt      time.Time
	Envelope      []byte
	Relayed       bool
}

const (
	DefaultMaxAttempts  = 6
	DefaultBaseBackoff  = 2 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	DefaultTombstoneCap = 1024
	DefaultRetention    = 24 * time.Hour
	DefaultDigestTTL    = 30 * time.Second
)

type Options struct {
	Clock        clock.Clock
	Ledger       *Ledger
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	TombstoneCap int
	Retention    time.Duration
	DigestTTL    time.Duration
}

// Queue is process-wide shared state; every mutation is serialized and made
// durable before it is acknowledged to a reconciliation peer.
type Queue struct {
	mu         sync.Mutex
	clk        clock.Clock
	ledger     *Ledger
	msgs       map[[16]byte]*Message
	tombstones map[[16]byte]time.Time
	tombOrder  [][16]byte

	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	tombstoneCap int
	retention    time.Duration

	digestTTL   time.Duration
	digestValue string
	digestAt    time.Time
	digestOK    bool
}

func New(opts Options) (*Queue, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	q := &Queue{
		clk:          clk,
		ledger:       opts.Ledger,
		msgs:         make(map[[16]byte]*Message),
		tombstones:   make(map[[16]byte]time.Time),
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		maxBackoff:   opts.MaxBackoff,
		tombstoneCap: opts.TombstoneCap,
		retention:    opts.Retention,
		digestTTL:    opts.DigestTTL,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = DefaultBaseBackoff
	}
	if q.maxBackoff <= 0 {
		q.maxBackoff = DefaultMaxBackoff
	}
	if q.tombstoneCap <= 0 {
		q.tombstoneCap = DefaultTombstoneCap
	}
	if q.retention <= 0 {
		q.retention = DefaultRetention
	}
	if q.digestTTL <= 0 {
		q.digestTTL = DefaultDigestTTL
	}
	if q.ledger != nil {
		msgs, tombs, err := q.ledger.Load()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			// interrupted sends resume as retry-eligible
			if m.Status == StatusSending {
				m.Status = StatusRetrying
				m.NextAttemptAt = clk.Now()
			}
			q.msgs[m.ID] = m
		}
		for _, id := range tombs {
			q.tombstones[id] = clk.Now()
			q.tombOrder = append(q.tombOrder, id)
		}
	}
	return q, nil
}

// Enqueue admits a new outbound (or relay-admitted) message. Tombstoned ids
// are refused permanently.
func (q *Queue) Enqueue(m Message) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dead := q.tombstones[m.ID]; dead {
		return nil, ErrTombstoned
	}
	if _, exists := q.msgs[m.ID]; exists {
		return nil, ErrDuplicateID
	}
	now := q.clk.Now()
	m.Status = StatusPending
	m.Attempts = 0
	m.QueuedAt = now
	m.NextAttemptAt = now
	stored := m
	q.msgs[m.ID] = &stored
	q.invalidateDigestLocked()
	if err := q.persistLocked(&stored); err != nil {
		delete(q.msgs, m.ID)
		return nil, err
	}
	out := stored
	return &out, nil
}

// NextReady returns the next message due for a send attempt: highest
// priority first, earliest enqueue within a tier. The message transitions
// to Sending.
func (q *Queue) NextReady() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clk.Now()
	var best *Message
	for _, m := range q.msgs {
		if m.Status != StatusPending && m.Status != StatusRetrying {
			continue
		}
		if m.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || m.Priority > best.Priority ||
			(m.Priority == best.Priority && m.QueuedAt.Before(best.QueuedAt)) {
			best = m
		}
	}
	if best == nil {
		return nil, false
	}
	best.Status = StatusSending
	if err := q.persistLocked(best); err != nil {
		best.Status = StatusRetrying
		return nil, false
	}
	out := *best
	return &out, true
}

// ReportAttempt records the outcome of a send attempt. Success is terminal
// Delivered; failure either schedules a retry with exponential backoff or,
// past the attempt budget, transitions to terminal Failed and returns
// ErrDeliveryFailed exactly once.
func (q *Queue) ReportAttempt(id [16]byte, ok bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, exists := q.msgs[id]
	if !exists {
		return ErrUnknownMessage
	}
	if m.Status.terminal() {
		return ErrTerminalState
	}
	now := q.clk.Now()
	m.Attempts++
	if ok {
		m.Status = StatusDelivered
		m.DeliveredAt = now
		q.invalidateDigestLocked()
		telemetry.QueueDeliveries.WithLabelValues("delivered").Inc()
		return q.persistLocked(m)
	}
	if m.Attempts >= q.maxAttempts {
		m.Status = StatusFailed
		m.FailedAt = now
		q.invalidateDigestLocked()
		telemetry.QueueDeliveries.WithLabelValues("failed").Inc()
		if err := q.persistLocked(m); err != nil {
			return err
		}
		return ErrDeliveryFailed
	}
	m.Status = StatusRetrying
	m.NextAttemptAt = now.Add(q.backoff(m.Attempts))
	return q.persistLocked(m)
}

// NextWake reports when the earliest retry becomes due, for scheduling.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var at time.Time
	found := false
	for _, m := range q.msgs {
		if m.Status != StatusPending && m.Status != StatusRetrying {
			continue
		}
		if !found || m.NextAttemptAt.Before(at) {
			at = m.NextAttemptAt
			found = true
		}
	}
	return at, found
}

// Delete removes a message and records a tombstone so reconciliation can
// never resurrect the id. Valid between attempts in any state.
func (q *Queue) Delete(id [16]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.msgs, id)
	if _, dead := q.tombstones[id]; !dead {
		q.tombstones[id] = q.clk.Now()
		q.tombOrder = append(q.tombOrder, id)
		q.evictTombstonesLocked()
	}
	q.invalidateDigestLocked()
	if q.ledger != nil {
		return q.ledger.AppendTombstone(id)
	}
	return nil
}

// Get returns a snapshot of one message.
func (q *Queue) Get(id [16]byte) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

func (q *Queue) IsTombstoned(id [16]byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, dead := q.tombstones[id]
	return dead
}

// Maintenance prunes delivered entries past the retention window and
// compacts the ledger. Tombstone caps are enforced on insert.
func (q *Queue) Maintenance() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clk.Now()
	changed := false
	for id, m := range q.msgs {
		if m.Status == StatusDelivered && now.Sub(m.DeliveredAt) > q.retention {
			delete(q.msgs, id)
			changed = true
		}
	}
	if changed {
		q.invalidateDigestLocked()
	}
	if q.ledger != nil {
		return q.ledger.Compact(q.snapshotLocked(), q.tombOrder)
	}
	return nil
}

// Counts reports queue depth by status for telemetry.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Status]int)
	for _, m := range q.msgs {
		out[m.Status]++
	}
	return out
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if d > q.maxBackoff {
		return q.maxBackoff
	}
	return d
}

func (q *Queue) evictTombstonesLocked() {
	for len(q.tombOrder) > q.tombstoneCap {
		oldest := q.tombOrder[0]
		q.tombOrder = q.tombOrder[1:]
		delete(q.tombstones, oldest)
	}
}

func (q *Queue) persistLocked(m *Message) error {
	q.updateDepthLocked()
	if q.ledger == nil {
		return nil
	}
	if err := q.ledger.AppendMessage(m); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (q *Queue) updateDepthLocked() {
	counts := make(map[Status]int)
	for _, m := range q.msgs {
		counts[m.Status]++
	}
	for _, s := range []Status{StatusPending, StatusSending, StatusRetrying, StatusDelivered, StatusFailed} {
		telemetry.QueueDepth.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (q *Queue) snapshotLocked() []*Message {
	out := make([]*Message, 0, len(q.msgs))
	for _, m := range q.msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out
}
