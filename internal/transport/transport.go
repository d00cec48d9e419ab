// Package transport moves opaque frames between directly connected nodes.
// It knows nothing about envelopes or encryption; it reports link lifecycle
// and per-link MTU so the layers above can fragment.
package transport

import "errors"

// LinkID names one live point-to-point link, unique for the transport's
// lifetime.
type LinkID string

var ErrLinkDown = errors.New("link down")

// Events are the upcalls into the owning node. OnFrame receives one whole
// frame as sent by the peer; callbacks run sequentially per link.
type Events struct {
	OnFrame    func(link LinkID, frame []byte)
	OnLinkUp   func(link LinkID, mtu int)
	OnLinkDown func(link LinkID)
}

// Transport is a frame pipe to directly reachable peers.
type Transport interface {
	// Send writes one frame to the link. Frames above the link MTU are the
	// caller's mistake; fragmentation happens above this layer.
	Send(link LinkID, frame []byte) error
	// MTU reports the largest frame the link carries.
	MTU(link LinkID) int
	Close() error
}
