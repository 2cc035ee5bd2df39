package signaling

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/link"
)

var loopbackRTC = link.WebRTCConfig{ICEServers: []string{}, Loopback: true}

func TestGeneratePIN(t *testing.T) {
	for range 20 {
		pin := generatePIN(PINLength)
		if len(pin) != PINLength {
			t.Fatalf("PIN %q has length %d", pin, len(pin))
		}
		for _, c := range pin {
			if c < '0' || c > '9' {
				t.Fatalf("PIN %q contains %q", pin, c)
			}
		}
	}
}

func TestServerAuthenticatesAndAcceptsOneClient(t *testing.T) {
	srv := newServer("1234")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	_, resp, err := websocket.DefaultDialer.DialContext(ctx, base+"?pin=0000", nil)
	if err == nil {
		t.Fatal("Wrong PIN accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Wrong PIN response: %+v", resp)
	}

	client, err := connect(ctx, base+"?pin=1234")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	conn, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatalf("waitForClient failed: %v", err)
	}
	defer conn.Close()

	second, err := connect(ctx, base+"?pin=1234")
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("Second client not refused: %v", err)
	}

	if err := client.WriteJSON(message{Type: msgTypeCandidate, Candidate: "{}"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	var msg message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != msgTypeCandidate {
		t.Fatalf("ReadJSON: %+v, %v", msg, err)
	}
}

func TestWaitForClientHonorsContext(t *testing.T) {
	srv := newServer("1234")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := srv.waitForClient(ctx); err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

// establishPair runs host and client signaling against each other in process.
func establishPair(t *testing.T, ctx context.Context) (*link.WebRTC, *link.WebRTC) {
	t.Helper()
	srv := newServer("4321")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer srv.close()

	type result struct {
		rtc *link.WebRTC
		err error
	}
	hostCh := make(chan result, 1)
	go func() {
		rtc, err := host(ctx, srv, loopbackRTC)
		hostCh <- result{rtc, err}
	}()

	client, err := EstablishAsClient(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=4321", port), loopbackRTC)
	if err != nil {
		t.Fatalf("EstablishAsClient failed: %v", err)
	}
	r := <-hostCh
	if r.err != nil {
		client.Close()
		t.Fatalf("host failed: %v", r.err)
	}
	return r.rtc, client
}

func TestEstablishRejectsWrongPIN(t *testing.T) {
	srv := newServer("4321")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := EstablishAsClient(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=0000", port), loopbackRTC); err == nil {
		t.Fatal("Expected an error for a wrong PIN")
	}
}

func TestEnginesOverSignaledLink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hostRTC, clientRTC := establishPair(t, ctx)
	defer hostRTC.Close()
	defer clientRTC.Close()

	delivered := make(chan engine.Handle, 1)
	received := make(chan []byte, 1)

	cfgA := engine.DefaultConfig()
	cfgA.LocalID = 1
	cfgA.RetransmitTimeout = 100 * time.Millisecond
	cfgA.MaxRetries = 20
	cfgB := cfgA
	cfgB.LocalID = 2

	a, err := engine.New(cfgA, engine.Options{Link: hostRTC, Handlers: engine.Handlers{
		OnDelivered: func(h engine.Handle) { delivered <- h },
	}})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defer a.Close()
	b, err := engine.New(cfgB, engine.Options{Link: clientRTC, Handlers: engine.Handlers{
		OnMessage: func(_ uint8, payload []byte) { received <- payload },
	}})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defer b.Close()

	go a.Run(ctx, 10*time.Millisecond)
	go b.Run(ctx, 10*time.Millisecond)

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if _, err := a.Submit(payload, 2, true); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("Payload mismatch: got %d bytes", len(got))
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the message")
	}
	select {
	case h := <-delivered:
		if h.Peer != 2 {
			t.Fatalf("Delivered handle %+v", h)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the acknowledgment")
	}
}
