package session_test

import (
	"testing"
	"time"

	"github.com/1ureka/fraglink/internal/session"
)

var t0 = time.Unix(1700000000, 0)

func testConfig() session.Config {
	return session.Config{
		PingInterval:   5 * time.Second,
		PongTimeout:    time.Second,
		MaxMissedPings: 3,
		SyncTimeout:    200 * time.Millisecond,
		MaxSyncRetries: 3,
	}
}

func TestSyncHandshake(t *testing.T) {
	tbl := session.NewTable(testConfig())
	s := tbl.Get(2)
	if s.State() != session.StateDown {
		t.Fatalf("New session state: %s", s.State())
	}

	s.BeginSync(0xCAFEBABE, t0)
	if s.State() != session.StateSyncing {
		t.Fatalf("State after BeginSync: %s", s.State())
	}
	if s.CompleteSync(0x12345678, t0) {
		t.Fatal("Accepted SYNC_ACK with the wrong nonce")
	}
	if !s.CompleteSync(0xCAFEBABE, t0.Add(time.Millisecond)) || !s.Up() {
		t.Fatal("SYNC_ACK with the right nonce did not bring the link up")
	}
	if s.CompleteSync(0xCAFEBABE, t0) {
		t.Fatal("Accepted a second SYNC_ACK")
	}
	if snap := s.Snapshot(); !snap.LastSync.Equal(t0.Add(time.Millisecond)) {
		t.Errorf("LastSync: %v", snap.LastSync)
	}
}

// TestSyncRetriesThenFail verifies that SYNC is repeated every timeout and
// abandoned after the retry budget.
func TestSyncRetriesThenFail(t *testing.T) {
	s := session.NewTable(testConfig()).Get(2)
	s.BeginSync(1, t0)

	if a := s.SyncDue(t0.Add(199 * time.Millisecond)); a != session.ActionNone {
		t.Fatalf("SYNC due early: %v", a)
	}
	now := t0
	for i := range 3 {
		now = now.Add(200 * time.Millisecond)
		if a := s.SyncDue(now); a != session.ActionSync {
			t.Fatalf("retry %d: got action %v", i, a)
		}
	}
	now = now.Add(200 * time.Millisecond)
	if a := s.SyncDue(now); a != session.ActionSyncFail {
		t.Fatalf("Expected sync failure, got %v", a)
	}
	if s.State() != session.StateDown {
		t.Fatalf("State after failure: %s", s.State())
	}
}

// TestKeepaliveLinkLost verifies that maxMissedPings unanswered pings take
// the link down.
func TestKeepaliveLinkLost(t *testing.T) {
	s := session.NewTable(testConfig()).Get(2)
	s.MarkUp(t0)

	if a := s.Keepalive(t0.Add(4 * time.Second)); a != session.ActionNone {
		t.Fatalf("Ping before interval: %v", a)
	}
	now := t0.Add(5 * time.Second)
	if a := s.Keepalive(now); a != session.ActionPing {
		t.Fatalf("Expected first ping, got %v", a)
	}

	pings := 1
	for {
		now = now.Add(time.Second)
		a := s.Keepalive(now)
		if a == session.ActionLinkLost {
			break
		}
		if a != session.ActionPing {
			t.Fatalf("Unexpected action %v", a)
		}
		pings++
		if pings > 10 {
			t.Fatal("Link never declared lost")
		}
	}
	if pings != 3 {
		t.Errorf("Pings sent: got %d, want 3", pings)
	}
	if s.Up() {
		t.Error("Link still up after keepalive failure")
	}
}

// TestTouchClearsMissedPings verifies that inbound traffic resets keepalive.
func TestTouchClearsMissedPings(t *testing.T) {
	s := session.NewTable(testConfig()).Get(2)
	s.MarkUp(t0)
	now := t0.Add(5 * time.Second)
	s.Keepalive(now)
	now = now.Add(time.Second)
	s.Keepalive(now)
	if snap := s.Snapshot(); snap.MissedPings != 1 || !snap.PingOutstanding {
		t.Fatalf("Snapshot: %+v", snap)
	}

	s.Touch(now)
	if snap := s.Snapshot(); snap.MissedPings != 0 || snap.PingOutstanding {
		t.Fatalf("After Touch: %+v", snap)
	}
	if a := s.Keepalive(now.Add(time.Second)); a != session.ActionNone {
		t.Fatalf("Ping right after activity: %v", a)
	}
}

func TestMessageIDsWrap(t *testing.T) {
	s := session.NewTable(testConfig()).Get(2)
	for i := range 256 {
		if id := s.NextMessageID(); int(id) != i {
			t.Fatalf("id %d: got %d", i, id)
		}
	}
	if id := s.NextMessageID(); id != 0 {
		t.Fatalf("Expected wrap to 0, got %d", id)
	}
}

func TestTablePeers(t *testing.T) {
	tbl := session.NewTable(testConfig())
	tbl.Get(9)
	tbl.Get(3)
	tbl.Get(9)
	if got := tbl.Peers(); len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Fatalf("Peers: %v", got)
	}
	if _, ok := tbl.Lookup(4); ok {
		t.Fatal("Lookup created a session")
	}
}
