// Package link provides the frame transports an engine can run over.
//
// A Link moves whole frames. It need not be reliable or ordered; loss,
// duplication and corruption are handled by the engine.
package link

import "errors"

var (
	ErrClosed      = errors.New("link: closed")
	ErrRateLimited = errors.New("link: rate limited")
	ErrNotReady    = errors.New("link: not ready")
	ErrQueueFull   = errors.New("link: send queue full")
)

// Link is a datagram transport for encoded frames.
type Link interface {
	// Send transmits one frame. It must not block on the peer.
	Send(frame []byte) error
	// OnReceive registers the handler for inbound frames. The handler may be
	// called from any goroutine and must not retain the slice.
	OnReceive(fn func(frame []byte))
}
