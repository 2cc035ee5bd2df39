package reliability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/reliability"
)

var t0 = time.Unix(1700000000, 0)

func always(uint8) bool { return true }

func newController(maxRetries, maxPending int) *reliability.Controller {
	return reliability.New(reliability.Config{
		MaxRetries: maxRetries,
		Backoff:    reliability.BackoffConfig{InitialDelay: 200 * time.Millisecond, Multiplier: 1.0},
		MaxPending: maxPending,
	})
}

func message(t *testing.T, id, peer uint8, size int) []protocol.Frame {
	t.Helper()
	frames, err := protocol.Fragment(id, 1, peer, make([]byte, size), 50, protocol.FlagAckRequested)
	if err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	return frames
}

func indexes(frames []protocol.Frame) []uint16 {
	out := make([]uint16, len(frames))
	for i, f := range frames {
		out[i] = f.Header.FragmentIndex
	}
	return out
}

// TestStopAndWait verifies that each fragment waits for the previous ACK and
// that the final ACK delivers the message.
func TestStopAndWait(t *testing.T) {
	c := newController(3, 4)
	frames := message(t, 5, 2, 100) // 3 fragments
	h, err := c.Enqueue(2, frames, true)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := range frames {
		act := c.Pump(t0, always)
		if len(act.Frames) != 1 || act.Frames[0].Header.FragmentIndex != uint16(i) {
			t.Fatalf("step %d: sent %v", i, indexes(act.Frames))
		}
		if again := c.Pump(t0, always); len(again.Frames) != 0 {
			t.Fatalf("step %d: sent before ACK", i)
		}
		act = c.Ack(2, 5, uint16(i))
		if i < len(frames)-1 && len(act.Delivered) != 0 {
			t.Fatalf("step %d: delivered early", i)
		}
		if i == len(frames)-1 && (len(act.Delivered) != 1 || act.Delivered[0] != h) {
			t.Fatalf("Final ACK: delivered %v, want %v", act.Delivered, h)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending after delivery: %d", c.Pending())
	}
}

// TestRetriesThenTimeout verifies that an unacknowledged fragment is
// retransmitted exactly MaxRetries times before the message fails.
func TestRetriesThenTimeout(t *testing.T) {
	const maxRetries = 3
	c := newController(maxRetries, 4)
	h, _ := c.Enqueue(2, message(t, 1, 2, 10), true)
	c.Pump(t0, always)

	now := t0
	retransmits := 0
	var failed []reliability.Failure
	for range maxRetries + 5 {
		now = now.Add(200 * time.Millisecond)
		act := c.Expire(now)
		retransmits += act.Retransmits
		failed = append(failed, act.Failed...)
		if len(act.Failed) > 0 {
			break
		}
	}

	if retransmits != maxRetries {
		t.Errorf("Retransmits: got %d, want %d", retransmits, maxRetries)
	}
	if len(failed) != 1 || failed[0].Handle != h || !errors.Is(failed[0].Err, protocol.ErrTimeout) {
		t.Fatalf("Failures: %+v", failed)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending after timeout: %d", c.Pending())
	}
}

// TestExpireHonorsDeadline verifies that nothing is resent before the
// retransmit timeout.
func TestExpireHonorsDeadline(t *testing.T) {
	c := newController(3, 4)
	c.Enqueue(2, message(t, 1, 2, 10), true)
	c.Pump(t0, always)

	if act := c.Expire(t0.Add(199 * time.Millisecond)); !act.Empty() {
		t.Fatalf("Resent early: %+v", act)
	}
	if act := c.Expire(t0.Add(200 * time.Millisecond)); act.Retransmits != 1 {
		t.Fatalf("Expected one retransmit at deadline, got %+v", act)
	}
}

// TestNackResendsNamedFragment verifies NACK handling, including rewinding
// to an earlier fragment.
func TestNackResendsNamedFragment(t *testing.T) {
	c := newController(3, 4)
	c.Enqueue(2, message(t, 9, 2, 120), true) // 4 fragments
	c.Pump(t0, always)
	c.Ack(2, 9, 0)
	c.Pump(t0, always)
	c.Ack(2, 9, 1)
	c.Pump(t0, always) // fragment 2 in flight

	testCases := []struct {
		name string
		id   uint8
		idx  uint16
		want []uint16
	}{
		{"unknown message ignored", 8, 2, nil},
		{"future fragment ignored", 9, 3, nil},
		{"outstanding fragment resent", 9, 2, []uint16{2}},
		{"peer lost state", 9, 0, []uint16{0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			act := c.Nack(2, tc.id, tc.idx)
			act.Merge(c.Pump(t0, always))
			if got := indexes(act.Frames); !equal(got, tc.want) {
				t.Fatalf("Resent %v, want %v", got, tc.want)
			}
		})
	}

	head, ok := c.Head(2)
	if !ok || head.Attempts != 2 || head.State != reliability.StateResent {
		t.Fatalf("Head after NACKs: %+v", head)
	}
}

// TestNackExhaustsRetries verifies that NACKs share the retry budget.
func TestNackExhaustsRetries(t *testing.T) {
	c := newController(2, 4)
	c.Enqueue(2, message(t, 1, 2, 10), true)
	c.Pump(t0, always)

	for i := range 2 {
		if act := c.Nack(2, 1, 0); len(act.Failed) != 0 {
			t.Fatalf("NACK %d failed the message", i)
		}
		c.Pump(t0, always)
	}
	act := c.Nack(2, 1, 0)
	if len(act.Failed) != 1 || !errors.Is(act.Failed[0].Err, protocol.ErrTimeout) {
		t.Fatalf("Expected TIMEOUT after retries, got %+v", act)
	}
}

// TestPerPeerFIFO verifies that messages to one peer are serialized while
// other peers proceed independently.
func TestPerPeerFIFO(t *testing.T) {
	c := newController(3, 4)
	a1, _ := c.Enqueue(2, message(t, 1, 2, 10), true)
	a2, _ := c.Enqueue(2, message(t, 2, 2, 10), true)
	c.Enqueue(3, message(t, 1, 3, 10), true)

	act := c.Pump(t0, always)
	if len(act.Frames) != 2 {
		t.Fatalf("Expected one frame per peer, got %d", len(act.Frames))
	}

	act = c.Ack(2, 1, 0)
	if len(act.Delivered) != 1 || act.Delivered[0] != a1 {
		t.Fatalf("Delivered %v, want %v", act.Delivered, a1)
	}
	act = c.Pump(t0, always)
	if len(act.Frames) != 1 || act.Frames[0].Header.MessageID != a2.MessageID {
		t.Fatalf("Second message not started: %+v", act.Frames)
	}
}

// TestUnacknowledgedMessagesCompleteOnSend verifies messages without ACK.
func TestUnacknowledgedMessagesCompleteOnSend(t *testing.T) {
	c := newController(3, 4)
	frames, _ := protocol.Fragment(1, 1, protocol.Broadcast, make([]byte, 100), 50, 0)
	h1, _ := c.Enqueue(protocol.Broadcast, frames, false)
	h2, _ := c.Enqueue(protocol.Broadcast, frames, false)

	act := c.Pump(t0, always)
	if len(act.Frames) != 2*len(frames) {
		t.Fatalf("Frames: got %d, want %d", len(act.Frames), 2*len(frames))
	}
	if len(act.Delivered) != 2 || act.Delivered[0] != h1 || act.Delivered[1] != h2 {
		t.Fatalf("Delivered: %v", act.Delivered)
	}
}

// TestPumpWaitsForReadyPeer verifies that a peer whose link is down keeps its
// queue.
func TestPumpWaitsForReadyPeer(t *testing.T) {
	c := newController(3, 4)
	c.Enqueue(2, message(t, 1, 2, 10), true)
	down := func(uint8) bool { return false }

	if act := c.Pump(t0, down); !act.Empty() {
		t.Fatal("Sent to a peer that is not ready")
	}
	if act := c.Pump(t0, always); len(act.Frames) != 1 {
		t.Fatal("Queued message not sent once ready")
	}
}

// TestEnqueueBufferFull verifies the pending bound.
func TestEnqueueBufferFull(t *testing.T) {
	c := newController(3, 2)
	c.Enqueue(2, message(t, 1, 2, 10), true)
	c.Enqueue(3, message(t, 1, 3, 10), true)
	if _, err := c.Enqueue(4, message(t, 1, 4, 10), true); !errors.Is(err, protocol.ErrBufferFull) {
		t.Fatalf("Expected BUFFER_FULL, got %v", err)
	}
}

// TestRewindAndDrop verifies link-reset handling.
func TestRewindAndDrop(t *testing.T) {
	c := newController(3, 4)
	c.Enqueue(2, message(t, 1, 2, 100), true)
	c.Enqueue(2, message(t, 2, 2, 10), true)
	c.Pump(t0, always)
	c.Ack(2, 1, 0)
	c.Pump(t0, always)

	if !c.Rewind(2) {
		t.Fatal("Rewind reported nothing in flight")
	}
	act := c.Pump(t0, always)
	if got := indexes(act.Frames); !equal(got, []uint16{0}) {
		t.Fatalf("After rewind sent %v", got)
	}

	reset := protocol.Errorf(protocol.KindSequence, "link reset")
	act = c.Drop(2, reset)
	if len(act.Failed) != 2 || !errors.Is(act.Failed[0].Err, protocol.ErrSequence) {
		t.Fatalf("Drop: %+v", act.Failed)
	}
	if c.Pending() != 0 || c.PendingFor(2) != 0 {
		t.Fatalf("Pending after drop: %d", c.Pending())
	}
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := reliability.BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond}
	want := []time.Duration{100, 100, 200, 400, 500, 500}
	for attempt, w := range want {
		if got := reliability.NextBackoffDelay(cfg, attempt); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w*time.Millisecond)
		}
	}

	flat := reliability.BackoffConfig{InitialDelay: 200 * time.Millisecond, Multiplier: 0.5}
	if got := reliability.NextBackoffDelay(flat, 4); got != 200*time.Millisecond {
		t.Errorf("Multiplier below 1 should be constant, got %v", got)
	}
}

func equal(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
