package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/fraglink/internal/engine"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{"", command{}, false},
		{"   ", command{}, false},
		{"hello there", command{kind: cmdSend, peer: 2, text: "hello there"}, false},
		{"@7 hi", command{kind: cmdSend, peer: 7, text: "hi"}, false},
		{"@0 everyone", command{kind: cmdSend, peer: 0, text: "everyone"}, false},
		{"@7", command{}, true},
		{"@300 hi", command{}, true},
		{"@x hi", command{}, true},
		{"/links", command{kind: cmdLinks}, false},
		{"/stats", command{kind: cmdStats}, false},
		{"/help", command{kind: cmdHelp}, false},
		{"/sync 9", command{kind: cmdSync, peer: 9}, false},
		{"/sync", command{}, true},
		{"/quit", command{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := parseLine(tc.line, 2)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Expected an error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRouterDeliversPerPeerInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got = make(map[uint8][]byte)
		wg  sync.WaitGroup
	)
	wg.Add(6)
	r := newRouter(ctx, func(sender uint8, payload []byte) {
		mu.Lock()
		got[sender] = append(got[sender], payload[0])
		mu.Unlock()
		wg.Done()
	})

	for i := range 3 {
		r.deliver(1, []byte{byte(i)})
		r.deliver(2, []byte{byte(10 + i)})
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got[1]) != string([]byte{0, 1, 2}) || string(got[2]) != string([]byte{10, 11, 12}) {
		t.Fatalf("Delivery order: %v", got)
	}
}

func TestTickInterval(t *testing.T) {
	cfg := engine.DefaultConfig()
	if got := tickInterval(cfg); got != 50*time.Millisecond {
		t.Errorf("default: %v", got)
	}
	cfg.RetransmitTimeout = 100 * time.Millisecond
	if got := tickInterval(cfg); got != 25*time.Millisecond {
		t.Errorf("100ms timeout: %v", got)
	}
	cfg.RetransmitTimeout = time.Millisecond
	if got := tickInterval(cfg); got != 5*time.Millisecond {
		t.Errorf("1ms timeout: %v", got)
	}
}

func TestSimulateCleanLink(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.MTU = 50
	res, err := Simulate(context.Background(), SimOptions{Engine: cfg, Messages: 10, Size: 120})
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if res.Delivered != 10 || res.Failed != 0 || res.Received != 10 || res.Mismatched != 0 {
		t.Fatalf("Result: %s", res)
	}
	if res.Sender.Retransmits != 0 {
		t.Errorf("Retransmits on a clean link: %d", res.Sender.Retransmits)
	}
}

func TestSimulateLossyLink(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.MTU = 50
	cfg.MaxRetries = 12
	res, err := Simulate(context.Background(), SimOptions{
		Engine:   cfg,
		Messages: 20,
		Size:     100,
		Loss:     0.2,
		Seed:     42,
	})
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if res.Delivered+res.Failed != 20 {
		t.Fatalf("Unsettled result: %s", res)
	}
	if res.Delivered < 18 {
		t.Errorf("Too few delivered: %s", res)
	}
	if res.Mismatched != 0 {
		t.Errorf("Corrupted payload delivered: %s", res)
	}
	if res.Received < res.Delivered {
		t.Errorf("Receiver saw fewer messages than were acknowledged: %s", res)
	}
	if res.Sender.Retransmits == 0 {
		t.Errorf("No retransmissions at 20%% loss: %s", res)
	}
}

func TestSimulateHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Simulate(ctx, SimOptions{}); err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
