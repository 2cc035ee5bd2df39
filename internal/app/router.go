package app

import (
	"context"
	"sync"

	"github.com/1ureka/fraglink/internal/util"
)

const inboxSize = 32

type inbound struct {
	sender  uint8
	payload []byte
}

// router hands delivered messages to one goroutine per peer, so engine
// callbacks never block on output. A peer's routine exits with ctx.
type router struct {
	ctx    context.Context
	handle func(sender uint8, payload []byte)

	mu     sync.Mutex
	routes map[uint8]chan inbound
}

func newRouter(ctx context.Context, handle func(sender uint8, payload []byte)) *router {
	return &router{
		ctx:    ctx,
		handle: handle,
		routes: make(map[uint8]chan inbound),
	}
}

// deliver queues a message for its sender's routine, starting it on first
// contact. A full inbox drops the message.
func (r *router) deliver(sender uint8, payload []byte) {
	r.mu.Lock()
	inbox, ok := r.routes[sender]
	if !ok {
		inbox = make(chan inbound, inboxSize)
		r.routes[sender] = inbox
		go r.run(sender, inbox)
	}
	r.mu.Unlock()

	select {
	case inbox <- inbound{sender: sender, payload: payload}:
	default:
		util.LogWarning("[peer %d] inbox full, dropping %d bytes", sender, len(payload))
	}
}

func (r *router) run(sender uint8, inbox <-chan inbound) {
	defer func() {
		r.mu.Lock()
		delete(r.routes, sender)
		r.mu.Unlock()
	}()
	for {
		select {
		case m := <-inbox:
			r.handle(m.sender, m.payload)
		case <-r.ctx.Done():
			return
		}
	}
}
