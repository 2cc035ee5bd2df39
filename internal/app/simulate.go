package app

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/link"
	"github.com/1ureka/fraglink/internal/util"
)

// SimOptions configure Simulate. Zero fields take the defaults below.
type SimOptions struct {
	Engine   engine.Config // node 1; node 2 copies it with LocalID 2
	Messages int           // default 20
	Size     int           // payload bytes, default 120
	Loss     float64       // per-frame drop probability, each direction
	Corrupt  float64       // per-frame bit-flip probability, each direction
	Seed     uint64
	Step     time.Duration // virtual tick, default 10ms
	Deadline time.Duration // virtual time limit, default 10m
	Logger   util.Logger
}

// SimResult summarizes a simulation run.
type SimResult struct {
	Submitted  int
	Delivered  int // acknowledged at node 1
	Failed     int
	Received   int // handed to the application at node 2
	Mismatched int // received payloads that differ from what was sent
	Elapsed    time.Duration
	Sender     engine.StatsSnapshot
	Receiver   engine.StatsSnapshot
}

func (r SimResult) String() string {
	return fmt.Sprintf("submitted=%d delivered=%d failed=%d received=%d mismatched=%d retransmits=%d elapsed=%v",
		r.Submitted, r.Delivered, r.Failed, r.Received, r.Mismatched, r.Sender.Retransmits, r.Elapsed)
}

type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Simulate sends Messages acknowledged messages from node 1 to node 2 over an
// in-memory link with random loss and corruption, advancing a virtual clock
// until every message is delivered or failed.
func Simulate(ctx context.Context, opts SimOptions) (SimResult, error) {
	if opts.Messages <= 0 {
		opts.Messages = 20
	}
	if opts.Size <= 0 {
		opts.Size = 120
	}
	if opts.Step <= 0 {
		opts.Step = 10 * time.Millisecond
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = util.NopLogger{}
	}

	cfgA := opts.Engine
	if cfgA.LocalID == 0 {
		cfgA = engine.DefaultConfig()
	}
	cfgA.LocalID = 1
	cfgB := cfgA
	cfgB.LocalID = 2

	clock := &virtualClock{now: time.Unix(0, 0)}
	start := clock.Now()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15))
	pa, pb := link.NewPipe()
	pa.SetFilter(link.RandomLoss(opts.Loss, opts.Corrupt, rng))
	pb.SetFilter(link.RandomLoss(opts.Loss, opts.Corrupt, rng))

	var (
		mu  sync.Mutex
		res SimResult
	)
	sent := make([][]byte, opts.Messages)
	for i := range sent {
		sent[i] = simPayload(i, opts.Size)
	}

	a, err := engine.New(cfgA, engine.Options{Link: pa, Clock: clock, Logger: opts.Logger, Handlers: engine.Handlers{
		OnDelivered: func(engine.Handle) {
			mu.Lock()
			res.Delivered++
			mu.Unlock()
		},
		OnError: func(ev engine.ErrorEvent) {
			if ev.Handle == nil {
				return
			}
			mu.Lock()
			res.Failed++
			mu.Unlock()
		},
	}})
	if err != nil {
		return SimResult{}, err
	}
	defer a.Close()

	b, err := engine.New(cfgB, engine.Options{Link: pb, Clock: clock, Logger: opts.Logger, Handlers: engine.Handlers{
		OnMessage: func(_ uint8, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			if !matchesAny(payload, sent) {
				res.Mismatched++
			}
			res.Received++
		},
	}})
	if err != nil {
		return SimResult{}, err
	}
	defer b.Close()

	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return res.Submitted == opts.Messages && res.Delivered+res.Failed == opts.Messages
	}

	for !done() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := clock.Now()
		if now.Sub(start) > opts.Deadline {
			return res, fmt.Errorf("simulation did not settle within %v: %s", opts.Deadline, res)
		}

		for res.Submitted < opts.Messages && a.Pending() < cfgA.MaxPendingSends {
			if _, err := a.Submit(sent[res.Submitted], 2, true); err != nil {
				return res, fmt.Errorf("submit %d: %w", res.Submitted, err)
			}
			mu.Lock()
			res.Submitted++
			mu.Unlock()
		}

		now = clock.advance(opts.Step)
		a.Tick(now)
		b.Tick(now)
	}

	res.Elapsed = clock.Now().Sub(start)
	res.Sender = a.Stats()
	res.Receiver = b.Stats()
	return res, nil
}

// simPayload is a deterministic payload unique to message i.
func simPayload(i, size int) []byte {
	p := make([]byte, size)
	for j := range p {
		p[j] = byte(i*31 + j*7)
	}
	p[0] = byte(i)
	return p
}

func matchesAny(payload []byte, sent [][]byte) bool {
	for _, s := range sent {
		if bytes.Equal(payload, s) {
			return true
		}
	}
	return false
}
