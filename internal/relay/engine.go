// Package relay decides deliver/forward/drop for inbound relay envelopes.
// The engine never decrypts: recipient matching is identity comparison, and
// the end-to-end ciphertext passes through unchanged.
package relay

import (
	"sync"

	"go.uber.org/zap"

	"meshlink/internal/proto"
	"meshlink/internal/spam"
	"meshlink/internal/telemetry"
)

type Outcome int

const (
	DeliverToSelf Outcome = iota
	Forwarded
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case DeliverToSelf:
		return "deliver"
	case Forwarded:
		return "forward"
	default:
		return "drop"
	}
}

type DropReason string

const (
	DropSpam        DropReason = "spam"
	DropTTLExceeded DropReason = "ttl-exceeded"
	DropNoRoute     DropReason = "no-route"
	DropMalformed   DropReason = "malformed"
)

type Decision struct {
	Outcome Outcome
	NextHop proto.NodeID
	Reason  DropReason
	// Envelope is the (possibly hop-appended) envelope to forward or
	// deliver; nil when dropped.
	Envelope *proto.Envelope
}

type Engine struct {
	mu    sync.RWMutex
	self  map[proto.NodeID]struct{}
	prime proto.NodeID
	guard *spam.Guard
	log   *zap.Logger
}

type Options struct {
	SelfID proto.NodeID
	Guard  *spam.Guard
	Logger *zap.Logger
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		self:  make(map[proto.NodeID]struct{}),
		prime: opts.SelfID,
		guard: opts.Guard,
		log:   log,
	}
	e.self[opts.SelfID] = struct{}{}
	return e
}

// AddSelfID registers an additional local identity, such as the persistent
// id a peer starts using after key verification.
func (e *Engine) AddSelfID(id proto.NodeID) {
	e.mu.Lock()
	e.self[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) isSelf(id proto.NodeID) bool {
	e.mu.RLock()
	_, ok := e.self[id]
	e.mu.RUnlock()
	return ok
}

func drop(reason DropReason) Decision {
	telemetry.RelayDecisions.WithLabelValues("drop", string(reason)).Inc()
	return Decision{Outcome: Dropped, Reason: reason}
}

// Route runs the relay algorithm: spam admission, self-delivery by identity
// comparison, TTL/route checks, then a locally-greedy next-hop pick among
// reachable peers not already on the visited path.
func (e *Engine) Route(env *proto.Envelope, sender proto.NodeID, reachable []proto.NodeID) Decision {
	wire, err := env.Encode()
	if err != nil {
		e.log.Debug("drop malformed envelope", zap.Error(err))
		return drop(DropMalformed)
	}

	if e.guard != nil {
		if err := e.guard.Admit(env, sender, len(wire)); err != nil {
			reason, _ := spam.RejectReason(err)
			telemetry.SpamRejections.WithLabelValues(string(reason)).Inc()
			e.log.Debug("drop spam",
				zap.String("reason", string(reason)),
				zap.String("sender", proto.EncodeNodeIDHex(sender)))
			return drop(DropSpam)
		}
	}

	if e.isSelf(env.Recipient) {
		telemetry.RelayDecisions.WithLabelValues("deliver", "").Inc()
		return Decision{Outcome: DeliverToSelf, Envelope: env}
	}

	if env.HopCount >= env.MaxHops {
		e.log.Debug("drop ttl exceeded",
			zap.Uint8("hops", env.HopCount),
			zap.Uint8("max", env.MaxHops))
		return drop(DropTTLExceeded)
	}

	next, ok := e.pickNextHop(env, sender, reachable)
	if !ok {
		e.log.Debug("drop no route",
			zap.Int("reachable", len(reachable)),
			zap.Int("visited", len(env.Visited)))
		return drop(DropNoRoute)
	}

	fwd := *env
	fwd.Visited = append([]proto.NodeID(nil), env.Visited...)
	if err := fwd.AppendHop(e.prime); err != nil {
		e.log.Debug("drop on hop append", zap.Error(err))
		return drop(DropTTLExceeded)
	}
	telemetry.RelayDecisions.WithLabelValues("forward", "").Inc()
	return Decision{Outcome: Forwarded, NextHop: next, Envelope: &fwd}
}

// pickNextHop takes the first reachable candidate outside the visited path.
// Locally greedy, not globally optimal routing.
func (e *Engine) pickNextHop(env *proto.Envelope, sender proto.NodeID, reachable []proto.NodeID) (proto.NodeID, bool) {
	for _, id := range reachable {
		if e.isSelf(id) || id == sender || id == env.Sender {
			continue
		}
		if env.HasVisited(id) {
			continue
		}
		return id, true
	}
	var zero proto.NodeID
	return zero, false
}
