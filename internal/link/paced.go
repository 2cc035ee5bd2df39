package link

import (
	"time"

	"golang.org/x/time/rate"
)

// Paced enforces a byte budget on an underlying link, as a duty-cycle limit
// on a regulated radio band would. Frames over budget are refused with
// ErrRateLimited, never delayed.
type Paced struct {
	Link
	limiter *rate.Limiter
	now     func() time.Time
}

// NewPaced limits l to bytesPerSecond with bursts of up to burst bytes. burst
// must be at least the MTU or no frame will ever pass.
func NewPaced(l Link, bytesPerSecond, burst int) *Paced {
	return &Paced{
		Link:    l,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		now:     time.Now,
	}
}

// Send forwards frame if the budget allows.
func (p *Paced) Send(frame []byte) error {
	if !p.limiter.AllowN(p.now(), len(frame)) {
		return ErrRateLimited
	}
	return p.Link.Send(frame)
}
