// Package session keeps per-peer link state: synchronization, message id
// allocation and keepalive bookkeeping.
package session

import (
	"fmt"
	"slices"
	"time"
)

// State is the link state with one peer.
type State uint8

const (
	StateDown State = iota
	StateSyncing
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateSyncing:
		return "SYNCING"
	case StateUp:
		return "UP"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config holds the keepalive and synchronization timers.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPings int
	// SyncTimeout is the wait for SYNC_ACK before SYNC is sent again.
	SyncTimeout time.Duration
	// MaxSyncRetries is the number of SYNC retransmissions before giving up.
	MaxSyncRetries int
}

// Action is the control traffic a timer check asks for.
type Action uint8

const (
	ActionNone     Action = iota
	ActionPing            // send PING
	ActionLinkLost        // keepalive failed; link is down
	ActionSync            // send SYNC again
	ActionSyncFail        // synchronization abandoned
)

// Session is the state of the link to one peer.
type Session struct {
	cfg  *Config
	peer uint8

	state       State
	lastSync    time.Time
	lastInbound time.Time
	nextID      uint8

	syncNonce   uint32
	syncSentAt  time.Time
	syncRetries int

	pingOutstanding bool
	pingSentAt      time.Time
	pingID          uint8
	missedPings     int
}

// Snapshot is a read-only copy of a Session.
type Snapshot struct {
	Peer            uint8
	State           State
	LastSync        time.Time
	LastInbound     time.Time
	NextMessageID   uint8
	SyncRetries     int
	PingOutstanding bool
	MissedPings     int
}

// Peer returns the peer id.
func (s *Session) Peer() uint8 { return s.peer }

// State returns the current link state.
func (s *Session) State() State { return s.state }

// Up reports whether the link is synchronized.
func (s *Session) Up() bool { return s.state == StateUp }

// NextMessageID allocates the next outbound message id. Ids wrap at 256.
func (s *Session) NextMessageID() uint8 {
	id := s.nextID
	s.nextID++
	return id
}

// SyncNonce returns the nonce of the synchronization in progress.
func (s *Session) SyncNonce() uint32 { return s.syncNonce }

// BeginSync records that SYNC carrying nonce was sent.
func (s *Session) BeginSync(nonce uint32, now time.Time) {
	s.state = StateSyncing
	s.syncNonce = nonce
	s.syncSentAt = now
	s.syncRetries = 0
	s.clearPing()
}

// CompleteSync marks the link up if nonce answers the SYNC in progress.
func (s *Session) CompleteSync(nonce uint32, now time.Time) bool {
	if s.state != StateSyncing || nonce != s.syncNonce {
		return false
	}
	s.MarkUp(now)
	return true
}

// MarkUp brings the link up without a handshake of our own, after the peer
// synchronized with us or sent data while unsynced.
func (s *Session) MarkUp(now time.Time) {
	s.state = StateUp
	s.lastSync = now
	s.lastInbound = now
	s.syncRetries = 0
	s.clearPing()
}

// MarkDown takes the link down.
func (s *Session) MarkDown() {
	s.state = StateDown
	s.clearPing()
}

// Touch records inbound activity. Any frame from the peer proves liveness,
// so outstanding pings are forgiven.
func (s *Session) Touch(now time.Time) {
	s.lastInbound = now
	s.clearPing()
}

// PingID returns the id carried by the most recent PING.
func (s *Session) PingID() uint8 { return s.pingID }

// Keepalive evaluates the ping timers of an up link.
func (s *Session) Keepalive(now time.Time) Action {
	if s.state != StateUp || s.cfg.PingInterval <= 0 {
		return ActionNone
	}
	if !s.pingOutstanding {
		if now.Sub(s.lastInbound) < s.cfg.PingInterval {
			return ActionNone
		}
		s.sendPing(now)
		return ActionPing
	}
	if now.Sub(s.pingSentAt) < s.cfg.PongTimeout {
		return ActionNone
	}
	s.missedPings++
	if s.missedPings >= s.cfg.MaxMissedPings {
		s.MarkDown()
		return ActionLinkLost
	}
	s.sendPing(now)
	return ActionPing
}

// SyncDue evaluates the SYNC retransmit timer.
func (s *Session) SyncDue(now time.Time) Action {
	if s.state != StateSyncing || now.Sub(s.syncSentAt) < s.cfg.SyncTimeout {
		return ActionNone
	}
	if s.syncRetries >= s.cfg.MaxSyncRetries {
		s.state = StateDown
		return ActionSyncFail
	}
	s.syncRetries++
	s.syncSentAt = now
	return ActionSync
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Peer:            s.peer,
		State:           s.state,
		LastSync:        s.lastSync,
		LastInbound:     s.lastInbound,
		NextMessageID:   s.nextID,
		SyncRetries:     s.syncRetries,
		PingOutstanding: s.pingOutstanding,
		MissedPings:     s.missedPings,
	}
}

func (s *Session) sendPing(now time.Time) {
	s.pingOutstanding = true
	s.pingSentAt = now
	s.pingID++
}

func (s *Session) clearPing() {
	s.pingOutstanding = false
	s.missedPings = 0
}

// Table holds the sessions of every known peer.
type Table struct {
	cfg      Config
	sessions map[uint8]*Session
}

// NewTable creates an empty Table.
func NewTable(cfg Config) *Table {
	return &Table{cfg: cfg, sessions: make(map[uint8]*Session)}
}

// Get returns the session for peer, creating a Down session on first contact.
func (t *Table) Get(peer uint8) *Session {
	s, ok := t.sessions[peer]
	if !ok {
		s = &Session{cfg: &t.cfg, peer: peer}
		t.sessions[peer] = s
	}
	return s
}

// Lookup returns the session for peer if one exists.
func (t *Table) Lookup(peer uint8) (*Session, bool) {
	s, ok := t.sessions[peer]
	return s, ok
}

// Peers returns every known peer in ascending order.
func (t *Table) Peers() []uint8 {
	out := make([]uint8, 0, len(t.sessions))
	for p := range t.sessions {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
