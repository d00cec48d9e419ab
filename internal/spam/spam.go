// Package spam gates relay admission: size, rate, duplicate and loop checks,
// with a per-peer trust score adjusted on every decision.
package spam

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
)

type Reason string

const (
	ReasonSize      Reason = "size"
	ReasonRate      Reason = "rate"
	ReasonDuplicate Reason = "duplicate"
	ReasonLoop      Reason = "loop"
)

var ErrRejected = errors.New("spam rejected")

type RejectError struct {
	Reason Reason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("spam rejected: %s", e.Reason)
}

func (e *RejectError) Unwrap() error { return ErrRejected }

func reject(r Reason) error { return &RejectError{Reason: r} }

// RejectReason extracts the sub-reason from an admission error, if any.
func RejectReason(err error) (Reason, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

const (
	DefaultMaxEnvelopeSize = 10 << 10
	DefaultSenderPerHour   = 10
	DefaultGlobalPerHour   = 50
	DefaultDupWindow       = 10 * time.Minute
	DefaultDupCap          = 4096
	rateWindow             = time.Hour
)

type Options struct {
	Clock           clock.Clock
	SelfID          proto.NodeID
	MaxEnvelopeSize int
	SenderPerHour   int
	GlobalPerHour   int
	DupWindow       time.Duration
	DupCap          int
	Trust           *TrustTable
}

// Guard runs the four admission checks. All state is owned here and
// serialized by one mutex; callers on every link share one Guard.
type Guard struct {
	mu     sync.Mutex
	clk    clock.Clock
	selfID proto.NodeID
	trust  *TrustTable

	maxSize   int
	perSender int
	global    int
	dupWindow time.Duration
	dupCap    int

	senderTimes map[proto.NodeID][]time.Time
	globalTimes []time.Time
	seen        map[[16]byte]time.Time
}

func NewGuard(opts Options) *Guard {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	g := &Guard{
		clk:         clk,
		selfID:      opts.SelfID,
		trust:       opts.Trust,
		maxSize:     opts.MaxEnvelopeSize,
		perSender:   opts.SenderPerHour,
		global:      opts.GlobalPerHour,
		dupWindow:   opts.DupWindow,
		dupCap:      opts.DupCap,
		senderTimes: make(map[proto.NodeID][]time.Time),
		seen:        make(map[[16]byte]time.Time),
	}
	if g.maxSize <= 0 {
		g.maxSize = DefaultMaxEnvelopeSize
	}
	if g.perSender <= 0 {
		g.perSender = DefaultSenderPerHour
	}
	if g.global <= 0 {
		g.global = DefaultGlobalPerHour
	}
	if g.dupWindow <= 0 {
		g.dupWindow = DefaultDupWindow
	}
	if g.dupCap <= 0 {
		g.dupCap = DefaultDupCap
	}
	return g
}

// Admit runs size, rate, duplicate and loop checks against an inbound
// envelope; wireSize is the encoded size on the wire. A nil return admits
// the envelope and records it for duplicate and rate accounting.
func (g *Guard) Admit(env *proto.Envelope, sender proto.NodeID, wireSize int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()

	if err := g.checkLocked(env, sender, wireSize, now); err != nil {
		if g.trust != nil {
			g.trust.RecordReject(sender)
		}
		return err
	}

	g.senderTimes[sender] = append(g.senderTimes[sender], now)
	g.globalTimes = append(g.globalTimes, now)
	g.rememberLocked(env.MessageID, now)
	if g.trust != nil {
		g.trust.RecordAccept(sender)
	}
	return nil
}

func (g *Guard) checkLocked(env *proto.Envelope, sender proto.NodeID, wireSize int, now time.Time) error {
	if wireSize > g.maxSize {
		return reject(ReasonSize)
	}
	if env.HasVisited(g.selfID) {
		return reject(ReasonLoop)
	}
	if ts, ok := g.seen[env.MessageID]; ok && now.Sub(ts) < g.dupWindow {
		return reject(ReasonDuplicate)
	}
	g.senderTimes[sender] = prune(g.senderTimes[sender], now)
	if len(g.senderTimes[sender]) >= g.perSender {
		return reject(ReasonRate)
	}
	g.globalTimes = prune(g.globalTimes, now)
	if len(g.globalTimes) >= g.global {
		return reject(ReasonRate)
	}
	return nil
}

func (g *Guard) rememberLocked(id [16]byte, now time.Time) {
	if len(g.seen) >= g.dupCap {
		cutoff := now.Add(-g.dupWindow)
		for k, ts := range g.seen {
			if ts.Before(cutoff) {
				delete(g.seen, k)
			}
		}
		// still full after expiry sweep: drop arbitrary entries
		for k := range g.seen {
			if len(g.seen) < g.dupCap {
				break
			}
			delete(g.seen, k)
		}
	}
	g.seen[id] = now
}

func prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
