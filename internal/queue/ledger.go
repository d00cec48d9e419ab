package queue

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshlink/internal/proto"
)

// Ledger persists queue state as append-only JSONL. Each line is either a
// full message record (latest line for an id wins on replay) or a tombstone.
// Compact rewrites the file from a snapshot via temp file + rename.
type Ledger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

type ledgerRecord struct {
	Op            string `json:"op"` // "msg" or "tomb"
	ID            string `json:"id"`
	Recipient     string `json:"recipient,omitempty"`
	Sender        string `json:"sender,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	Status        int    `json:"status,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	QueuedAt      int64  `json:"queued_at,omitempty"`
	DeliveredAt   int64  `json:"delivered_at,omitempty"`
	FailedAt      int64  `json:"failed_at,omitempty"`
	Envelope      string `json:"envelope,omitempty"`
	Relayed       bool   `json:"relayed,omitempty"`
}

func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{path: path, f: f}, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *Ledger) AppendMessage(m *Message) error {
	return l.append(recordFromMessage(m))
}

func (l *Ledger) AppendTombstone(id [16]byte) error {
	return l.append(ledgerRecord{Op: "tomb", ID: hex.EncodeToString(id[:])})
}

func (l *Ledger) append(rec ledgerRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("ledger closed")
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return l.f.Sync()
}

// Load replays the ledger. The latest message record per id wins; a
// tombstone removes the id from the live set permanently.
func (l *Ledger) Load() ([]*Message, [][16]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	msgs := make(map[[16]byte]*Message)
	tombs := make(map[[16]byte]bool)
	var tombOrder [][16]byte

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), proto.MaxEnvelopeSize*4)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ledgerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// a torn final line from a crash mid-append is tolerated
			continue
		}
		id, err := decodeID16(rec.ID)
		if err != nil {
			continue
		}
		switch rec.Op {
		case "msg":
			m, err := messageFromRecord(&rec, id)
			if err != nil {
				continue
			}
			msgs[id] = m
		case "tomb":
			if !tombs[id] {
				tombs[id] = true
				tombOrder = append(tombOrder, id)
			}
			delete(msgs, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan ledger: %w", err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, tombOrder, nil
}

// Compact rewrites the ledger from a snapshot: one record per live message
// plus all tombstones, written to a temp file and atomically renamed.
func (l *Ledger) Compact(msgs []*Message, tombs [][16]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("compact open: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, m := range msgs {
		line, err := json.Marshal(recordFromMessage(m))
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("compact write: %w", err)
		}
	}
	for _, id := range tombs {
		line, _ := json.Marshal(ledgerRecord{Op: "tomb", ID: hex.EncodeToString(id[:])})
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("compact write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compact rename: %w", err)
	}
	if l.f != nil {
		l.f.Close()
	}
	l.f, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen ledger: %w", err)
	}
	return nil
}

func recordFromMessage(m *Message) ledgerRecord {
	rec := ledgerRecord{
		Op:        "msg",
		ID:        hex.EncodeToString(m.ID[:]),
		Recipient: proto.EncodeNodeIDHex(m.Recipient),
		Sender:    proto.EncodeNodeIDHex(m.Sender),
		Priority:  int(m.Priority),
		Status:    int(m.Status),
		Attempts:  m.Attempts,
		Envelope:  hex.EncodeToString(m.Envelope),
		Relayed:   m.Relayed,
	}
	rec.QueuedAt = m.QueuedAt.UnixNano()
	if !m.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = m.NextAttemptAt.UnixNano()
	}
	if !m.DeliveredAt.IsZero() {
		rec.DeliveredAt = m.DeliveredAt.UnixNano()
	}
	if !m.FailedAt.IsZero() {
		rec.FailedAt = m.FailedAt.UnixNano()
	}
	return rec
}

func messageFromRecord(rec *ledgerRecord, id [16]byte) (*Message, error) {
	recipient, err := proto.DecodeNodeIDHex(rec.Recipient)
	if err != nil {
		return nil, err
	}
	sender, err := proto.DecodeNodeIDHex(rec.Sender)
	if err != nil {
		return nil, err
	}
	env, err := hex.DecodeString(rec.Envelope)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:        id,
		Recipient: recipient,
		Sender:    sender,
		Priority:  proto.Priority(rec.Priority),
		Status:    Status(rec.Status),
		Attempts:  rec.Attempts,
		Envelope:  env,
		Relayed:   rec.Relayed,
		QueuedAt:  time.Unix(0, rec.QueuedAt),
	}
	if rec.NextAttemptAt != 0 {
		m.NextAttemptAt = time.Unix(0, rec.NextAttemptAt)
	}
	if rec.DeliveredAt != 0 {
		m.DeliveredAt = time.Unix(0, rec.DeliveredAt)
	}
	if rec.FailedAt != 0 {
		m.FailedAt = time.Unix(0, rec.FailedAt)
	}
	return m, nil
}

func decodeID16(s string) ([16]byte, error) {
	var id [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != 16 {
		return id, fmt.Errorf("id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
