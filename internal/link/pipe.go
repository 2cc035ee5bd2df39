package link

import (
	"math/rand/v2"
	"sync"
)

// Filter inspects a frame in transit. It returns the frame to deliver,
// possibly modified, or nil to drop it. The frame is a private copy.
type Filter func(frame []byte) []byte

// Pipe is one end of an in-memory link. Frames are delivered synchronously:
// Send returns after the peer's receive handler returns.
type Pipe struct {
	mu      sync.Mutex
	peer    *Pipe
	handler func([]byte)
	filter  Filter
	closed  bool
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	a, b := &Pipe{}, &Pipe{}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers frame to the other end, subject to this end's filter.
// Frames sent before the peer registers a handler are dropped.
func (p *Pipe) Send(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	filter := p.filter
	p.mu.Unlock()

	out := append([]byte(nil), frame...)
	if filter != nil {
		if out = filter(out); out == nil {
			return nil
		}
	}
	p.peer.deliver(out)
	return nil
}

func (p *Pipe) deliver(frame []byte) {
	p.mu.Lock()
	fn := p.handler
	closed := p.closed
	p.mu.Unlock()
	if fn != nil && !closed {
		fn(frame)
	}
}

// OnReceive registers the inbound handler.
func (p *Pipe) OnReceive(fn func([]byte)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// SetFilter installs f on frames sent from this end. A nil f removes it.
func (p *Pipe) SetFilter(f Filter) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

// Close stops this end from sending and receiving.
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Chain applies filters in order, stopping at the first drop.
func Chain(filters ...Filter) Filter {
	return func(frame []byte) []byte {
		for _, f := range filters {
			if frame = f(frame); frame == nil {
				return nil
			}
		}
		return frame
	}
}

// DropAll drops every frame.
func DropAll() Filter {
	return func([]byte) []byte { return nil }
}

// RandomLoss drops frames with probability loss and flips one bit in frames
// with probability corrupt. rng must not be shared with other goroutines.
func RandomLoss(loss, corrupt float64, rng *rand.Rand) Filter {
	var mu sync.Mutex
	return func(frame []byte) []byte {
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < loss {
			return nil
		}
		if len(frame) > 0 && rng.Float64() < corrupt {
			i := rng.IntN(len(frame))
			frame[i] ^= 1 << rng.UintN(8)
		}
		return frame
	}
}
