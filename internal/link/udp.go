package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/fraglink/internal/util"
)

// maxDatagram bounds a single read. Larger datagrams are truncated and fail
// frame validation.
const maxDatagram = 2048

// UDP carries one frame per datagram between two fixed endpoints. Without a
// configured peer, the sender of the first datagram becomes the peer.
// Datagrams from any other address are dropped.
type UDP struct {
	conn *net.UDPConn

	mu      sync.RWMutex
	peer    *net.UDPAddr
	handler func([]byte)

	done chan struct{}
	once sync.Once
}

// ListenUDP binds listen and starts the read loop. peer may be empty.
func ListenUDP(ctx context.Context, listen, peer string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listen, err)
	}
	var raddr *net.UDPAddr
	if peer != "" {
		if raddr, err = net.ResolveUDPAddr("udp", peer); err != nil {
			return nil, fmt.Errorf("resolve peer address %q: %w", peer, err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", listen, err)
	}

	u := &UDP{conn: conn, peer: raddr, done: make(chan struct{})}
	go u.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			u.Close()
		case <-u.done:
		}
	}()
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// Peer returns the current peer address, or nil before one is known.
func (u *UDP) Peer() *net.UDPAddr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.peer
}

// Send writes frame to the peer. It fails with ErrNotReady until a peer is known.
func (u *UDP) Send(frame []byte) error {
	select {
	case <-u.done:
		return ErrClosed
	default:
	}
	peer := u.Peer()
	if peer == nil {
		return ErrNotReady
	}
	_, err := u.conn.WriteToUDP(frame, peer)
	return err
}

// OnReceive registers the inbound frame handler.
func (u *UDP) OnReceive(fn func([]byte)) {
	u.mu.Lock()
	u.handler = fn
	u.mu.Unlock()
}

// Done is closed when the link is closed.
func (u *UDP) Done() <-chan struct{} { return u.done }

// Close stops the read loop and releases the socket.
func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogDebug("[udp] read: %v", err)
			continue
		}

		u.mu.Lock()
		if u.peer == nil {
			u.peer = from
			util.LogInfo("[udp] peer is %s", from)
		}
		known := sameAddr(u.peer, from)
		fn := u.handler
		u.mu.Unlock()

		if !known {
			util.LogDebug("[udp] dropped %d bytes from %s", n, from)
			continue
		}
		if fn != nil {
			fn(buf[:n])
		}
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
