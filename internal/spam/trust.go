package spam

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
)

const (
	acceptDelta  = 0.02
	rejectDelta  = -0.10
	initialTrust = 0.5
)

// TrustRecord tracks one peer's relay behavior. Scores stay in [0,1]; low
// trust does not hard-block here but is exposed for policy gates above.
type TrustRecord struct {
	NodeID       proto.NodeID
	Score        float64
	HourlyRelays int
	BlockedCount int
	windowStart  time.Time
}

// TrustTable is process-wide shared state; mutations are serialized and
// written to disk before the caller acknowledges anything to a peer.
type TrustTable struct {
	mu      sync.Mutex
	clk     clock.Clock
	log     *zap.Logger
	path    string
	records map[proto.NodeID]*TrustRecord
}

type TrustOptions struct {
	Clock  clock.Clock
	Logger *zap.Logger
	Path   string // optional JSONL persistence
}

type diskTrust struct {
	NodeID  string  `json:"node_id"`
	Score   float64 `json:"score"`
	Blocked int     `json:"blocked"`
}

func NewTrustTable(opts TrustOptions) (*TrustTable, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &TrustTable{
		clk:     clk,
		log:     log,
		path:    opts.Path,
		records: make(map[proto.NodeID]*TrustRecord),
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, err
		}
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *TrustTable) RecordAccept(id proto.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(id)
	t.tickWindowLocked(r)
	r.HourlyRelays++
	r.Score = clamp(r.Score + acceptDelta)
	t.persistLocked()
}

func (t *TrustTable) RecordReject(id proto.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(id)
	t.tickWindowLocked(r)
	r.BlockedCount++
	r.Score = clamp(r.Score + rejectDelta)
	t.persistLocked()
}

func (t *TrustTable) persistLocked() {
	if err := t.saveLocked(); err != nil {
		t.log.Warn("trust table save failed", zap.Error(err))
	}
}

// RecordDecryptFailure feeds repeated authentication failures from a peer
// back into its score.
func (t *TrustTable) RecordDecryptFailure(id proto.NodeID) {
	t.RecordReject(id)
}

func (t *TrustTable) Score(id proto.NodeID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		return r.Score
	}
	return initialTrust
}

func (t *TrustTable) Get(id proto.NodeID) (TrustRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return TrustRecord{}, false
	}
	return *r, true
}

func (t *TrustTable) getLocked(id proto.NodeID) *TrustRecord {
	r, ok := t.records[id]
	if !ok {
		r = &TrustRecord{NodeID: id, Score: initialTrust, windowStart: t.clk.Now()}
		t.records[id] = r
	}
	return r
}

func (t *TrustTable) tickWindowLocked(r *TrustRecord) {
	now := t.clk.Now()
	if now.Sub(r.windowStart) >= time.Hour {
		r.HourlyRelays = 0
		r.windowStart = now
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (t *TrustTable) load() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d diskTrust
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		id, err := proto.DecodeNodeIDHex(d.NodeID)
		if err != nil {
			continue
		}
		t.records[id] = &TrustRecord{
			NodeID:       id,
			Score:        clamp(d.Score),
			BlockedCount: d.Blocked,
			windowStart:  t.clk.Now(),
		}
	}
	return sc.Err()
}

func (t *TrustTable) saveLocked() error {
	if t.path == "" {
		return nil
	}
	tmp := t.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range t.records {
		d := diskTrust{
			NodeID:  proto.EncodeNodeIDHex(r.NodeID),
			Score:   r.Score,
			Blocked: r.BlockedCount,
		}
		if err := enc.Encode(d); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
