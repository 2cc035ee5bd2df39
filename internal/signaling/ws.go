package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/fraglink/internal/util"
)

const (
	handshakeTimeout = 10 * time.Second
	// maxMessageSize bounds one signaling message; SDP blobs stay well below it.
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// server is the host-side WebSocket endpoint. It hands out the first client
// presenting the right PIN and refuses everyone after it.
type server struct {
	pin      string
	http     *http.Server
	conns    chan *websocket.Conn
	accepted atomic.Bool
}

func newServer(pin string) *server {
	s := &server{pin: pin, conns: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
	return s
}

// start listens on addr (":0" for a random port) and returns the bound port.
func (s *server) start(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("signaling listen %s: %w", addr, err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("[signaling] server stopped: %v", err)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *server) authorized(r *http.Request) bool {
	pin := r.URL.Query().Get("pin")
	return subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) == 1
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		util.LogWarning("[signaling] rejected %s: invalid PIN", r.RemoteAddr)
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("[signaling] upgrade %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	if !s.accepted.CompareAndSwap(false, true) {
		util.LogWarning("[signaling] refused %s: already connected", r.RemoteAddr)
		refuse(conn, "already connected")
		return
	}
	util.LogDebug("[signaling] accepted %s", r.RemoteAddr)
	s.conns <- conn
}

// refuse closes conn with a policy-violation close frame.
func refuse(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops accepting. Connections already handed out stay open.
func (s *server) close() {
	s.http.Close()
}

// connect dials the host. url must carry the PIN as a query parameter, e.g.
//
//	wss://example.devtunnels.ms/ws?pin=1234
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("signaling dial: PIN rejected")
		}
		return nil, fmt.Errorf("signaling dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// generatePIN returns a random numeric PIN with exactly length digits.
func generatePIN(length int) string {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		n = big.NewInt(0)
	}
	return fmt.Sprintf("%0*d", length, n.Int64())
}
