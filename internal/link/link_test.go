package link

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

func TestPipeDeliversCopies(t *testing.T) {
	a, b := NewPipe()
	var got [][]byte
	b.OnReceive(func(f []byte) { got = append(got, f) })

	frame := []byte{1, 2, 3}
	if err := a.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	frame[0] = 9

	if len(got) != 1 || !bytes.Equal(got[0], []byte{1, 2, 3}) {
		t.Fatalf("Received %v", got)
	}
}

func TestPipeFilters(t *testing.T) {
	a, b := NewPipe()
	count := 0
	b.OnReceive(func([]byte) { count++ })

	a.SetFilter(DropAll())
	a.Send([]byte{1})
	if count != 0 {
		t.Fatal("DropAll delivered a frame")
	}

	flip := func(f []byte) []byte { f[0] ^= 0xFF; return f }
	var seen []byte
	b.OnReceive(func(f []byte) { seen = f })
	a.SetFilter(Chain(flip, flip))
	a.Send([]byte{0x0F})
	if !bytes.Equal(seen, []byte{0x0F}) {
		t.Fatalf("Chain result %v", seen)
	}

	a.SetFilter(Chain(flip, DropAll(), flip))
	seen = nil
	a.Send([]byte{0x0F})
	if seen != nil {
		t.Fatal("Chain continued after a drop")
	}
}

func TestPipeClose(t *testing.T) {
	a, b := NewPipe()
	b.OnReceive(func([]byte) { t.Fatal("Closed end received a frame") })
	b.Close()
	if err := a.Send([]byte{1}); err != nil {
		t.Fatalf("Send to a closed peer: %v", err)
	}
	a.Close()
	if err := a.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestRandomLossExtremes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	if RandomLoss(1, 0, rng)([]byte{1}) != nil {
		t.Error("loss=1 delivered a frame")
	}
	if got := RandomLoss(0, 0, rng)([]byte{1, 2}); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("loss=0 altered the frame: %v", got)
	}
	in := make([]byte, 8)
	out := RandomLoss(0, 1, rng)(append([]byte(nil), in...))
	if bytes.Equal(in, out) {
		t.Error("corrupt=1 left the frame intact")
	}
}

func TestPacedBudget(t *testing.T) {
	a, b := NewPipe()
	delivered := 0
	b.OnReceive(func([]byte) { delivered++ })

	now := time.Unix(1700000000, 0)
	p := NewPaced(a, 100, 100)
	p.now = func() time.Time { return now }

	frame := make([]byte, 50)
	for i := range 2 {
		if err := p.Send(frame); err != nil {
			t.Fatalf("Send %d within burst failed: %v", i, err)
		}
	}
	if err := p.Send(frame); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}

	now = now.Add(600 * time.Millisecond)
	if err := p.Send(frame); err != nil {
		t.Fatalf("Send after refill failed: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("Delivered %d frames, want 3", delivered)
	}
}

func TestUDPLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, err := ListenUDP(ctx, "127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer host.Close()
	client, err := ListenUDP(ctx, "127.0.0.1:0", host.LocalAddr().String())
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer client.Close()

	if err := host.Send([]byte{1}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady before a peer is known, got %v", err)
	}

	atHost := make(chan []byte, 1)
	atClient := make(chan []byte, 1)
	host.OnReceive(func(f []byte) { atHost <- append([]byte(nil), f...) })
	client.OnReceive(func(f []byte) { atClient <- append([]byte(nil), f...) })

	wait := func(ch <-chan []byte) []byte {
		select {
		case f := <-ch:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for a datagram")
			return nil
		}
	}

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	if got := wait(atHost); string(got) != "hello" {
		t.Fatalf("host received %q", got)
	}
	if err := host.Send([]byte("world")); err != nil {
		t.Fatalf("host Send failed: %v", err)
	}
	if got := wait(atClient); string(got) != "world" {
		t.Fatalf("client received %q", got)
	}

	client.Close()
	if err := client.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestUDPDropsStrangers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, err := ListenUDP(ctx, "127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer host.Close()
	client, err := ListenUDP(ctx, "127.0.0.1:0", host.LocalAddr().String())
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer client.Close()
	stranger, err := ListenUDP(ctx, "127.0.0.1:0", host.LocalAddr().String())
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer stranger.Close()

	atHost := make(chan []byte, 4)
	host.OnReceive(func(f []byte) { atHost <- append([]byte(nil), f...) })
	wait := func() []byte {
		select {
		case f := <-atHost:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for a datagram")
			return nil
		}
	}

	if err := client.Send([]byte("first")); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	if got := wait(); string(got) != "first" {
		t.Fatalf("host received %q", got)
	}

	// The stranger's datagram is sent first; only the peer's may arrive.
	if err := stranger.Send([]byte("intruder")); err != nil {
		t.Fatalf("stranger Send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := client.Send([]byte("second")); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	if got := wait(); string(got) != "second" {
		t.Fatalf("host received %q, want the peer's datagram", got)
	}
	if peer := host.Peer(); !sameAddr(peer, client.LocalAddr()) {
		t.Fatalf("host peer changed to %v", peer)
	}
}
