// Package reliability tracks outbound messages until they are delivered or
// fail.
//
// Messages to one peer leave in submission order, one at a time. A message
// that requests acknowledgment is sent stop-and-wait: fragment k+1 goes out
// only after the peer acknowledged fragment k. Messages without
// acknowledgment are written out whole and complete on send.
package reliability

import (
	"slices"
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
)

// State is the lifecycle stage of an outbound message.
type State uint8

const (
	StateQueued   State = iota // waiting for its turn or for the link
	StateSent                  // current fragment awaits ACK
	StateResent                // current fragment was retransmitted and awaits ACK
	StateAcked                 // every fragment was acknowledged
	StateTimedOut              // retries exhausted
	StateDropped               // discarded by a link reset or shutdown
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateSent:
		return "SENT"
	case StateResent:
		return "RESENT"
	case StateAcked:
		return "ACKED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Handle identifies a submitted message. Seq is unique for the lifetime of a
// Controller; MessageID is the 8-bit wire identifier and wraps.
type Handle struct {
	Peer      uint8
	MessageID uint8
	Seq       uint64
}

// Failure reports a message that will not be delivered.
type Failure struct {
	Handle Handle
	Err    error
}

// Actions is the work produced by a Controller call. The caller transmits
// Frames in order and reports Delivered and Failed to the application.
type Actions struct {
	Frames      []protocol.Frame
	Retransmits int
	Delivered   []Handle
	Failed      []Failure
}

// Merge appends b to a.
func (a *Actions) Merge(b Actions) {
	a.Frames = append(a.Frames, b.Frames...)
	a.Retransmits += b.Retransmits
	a.Delivered = append(a.Delivered, b.Delivered...)
	a.Failed = append(a.Failed, b.Failed...)
}

// Empty reports whether there is nothing to do.
func (a Actions) Empty() bool {
	return len(a.Frames) == 0 && len(a.Delivered) == 0 && len(a.Failed) == 0
}

// Config configures retransmission and queue bounds.
type Config struct {
	// MaxRetries is the number of retransmissions of one fragment before the
	// message fails with TIMEOUT.
	MaxRetries int
	Backoff    BackoffConfig
	// MaxPending bounds queued plus in-flight messages across all peers.
	MaxPending int
}

type outbound struct {
	handle   Handle
	frames   []protocol.Frame
	ack      bool
	next     int
	attempts int
	deadline time.Time
	state    State
}

// Controller owns the outbound queues. It is not safe for concurrent use.
type Controller struct {
	cfg     Config
	queues  map[uint8][]*outbound
	pending int
	seq     uint64
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1
	}
	return &Controller{cfg: cfg, queues: make(map[uint8][]*outbound)}
}

// Enqueue appends a fragmented message to peer's queue. It fails with
// BUFFER_FULL when MaxPending messages are already outstanding.
func (c *Controller) Enqueue(peer uint8, frames []protocol.Frame, ack bool) (Handle, error) {
	if len(frames) == 0 {
		return Handle{}, protocol.Errorf(protocol.KindSequence, "message without frames")
	}
	if c.pending >= c.cfg.MaxPending {
		return Handle{}, protocol.Errorf(protocol.KindBufferFull, "%d messages pending", c.pending)
	}
	c.seq++
	h := Handle{Peer: peer, MessageID: frames[0].Header.MessageID, Seq: c.seq}
	c.queues[peer] = append(c.queues[peer], &outbound{handle: h, frames: frames, ack: ack})
	c.pending++
	return h, nil
}

// Pump starts transmission on every peer for which ready reports true whose
// head message is waiting to send.
func (c *Controller) Pump(now time.Time, ready func(peer uint8) bool) Actions {
	var act Actions
	for _, peer := range c.peers() {
		if !ready(peer) {
			continue
		}
		for {
			m := c.head(peer)
			if m == nil || m.state != StateQueued {
				break
			}
			if !m.ack {
				act.Frames = append(act.Frames, m.frames[m.next:]...)
				m.state = StateAcked
				act.Delivered = append(act.Delivered, m.handle)
				c.pop(peer)
				continue
			}
			act.Frames = append(act.Frames, m.frames[m.next])
			if m.attempts > 0 {
				m.state = StateResent
				act.Retransmits++
			} else {
				m.state = StateSent
			}
			m.deadline = now.Add(NextBackoffDelay(c.cfg.Backoff, m.attempts+1))
			break
		}
	}
	return act
}

// Ack records the peer's acknowledgment of fragment idx of messageID. Stale or
// unknown acknowledgments are ignored. The next fragment is sent by Pump.
func (c *Controller) Ack(peer, messageID uint8, idx uint16) Actions {
	var act Actions
	m := c.head(peer)
	if m == nil || !m.ack || !inFlight(m) || m.handle.MessageID != messageID || int(idx) != m.next {
		return act
	}
	m.next++
	m.attempts = 0
	if m.next == len(m.frames) {
		m.state = StateAcked
		act.Delivered = append(act.Delivered, m.handle)
		c.pop(peer)
		return act
	}
	m.state = StateQueued
	return act
}

// Nack rewinds the in-flight message of peer to fragment idx for immediate
// resend. A NACK consumes one retry; it fails the message with TIMEOUT once
// MaxRetries is exceeded.
func (c *Controller) Nack(peer, messageID uint8, idx uint16) Actions {
	var act Actions
	m := c.head(peer)
	if m == nil || !m.ack || !inFlight(m) || m.handle.MessageID != messageID || int(idx) > m.next {
		return act
	}
	if m.attempts >= c.cfg.MaxRetries {
		m.state = StateTimedOut
		act.Failed = append(act.Failed, Failure{m.handle, protocol.Errorf(protocol.KindTimeout,
			"message %d to %d: fragment %d rejected after %d retries", messageID, peer, idx, m.attempts)})
		c.pop(peer)
		return act
	}
	m.next = int(idx)
	m.attempts++
	m.state = StateQueued
	return act
}

// Expire retransmits every fragment whose acknowledgment deadline has passed
// and fails messages that ran out of retries.
func (c *Controller) Expire(now time.Time) Actions {
	var act Actions
	for _, peer := range c.peers() {
		m := c.head(peer)
		if m == nil || !inFlight(m) || now.Before(m.deadline) {
			continue
		}
		if m.attempts >= c.cfg.MaxRetries {
			m.state = StateTimedOut
			act.Failed = append(act.Failed, Failure{m.handle, protocol.Errorf(protocol.KindTimeout,
				"message %d to %d: fragment %d unacknowledged after %d retries", m.handle.MessageID, peer, m.next, m.attempts)})
			c.pop(peer)
			continue
		}
		m.attempts++
		m.state = StateResent
		m.deadline = now.Add(NextBackoffDelay(c.cfg.Backoff, m.attempts+1))
		act.Frames = append(act.Frames, m.frames[m.next])
		act.Retransmits++
	}
	return act
}

// Rewind returns peer's in-flight message to fragment 0 with its retry count
// cleared. It is used when the link is re-established, since the peer has
// forgotten any partial message. Nothing is sent until the next Pump.
func (c *Controller) Rewind(peer uint8) bool {
	m := c.head(peer)
	if m == nil || m.state == StateQueued && m.next == 0 {
		return false
	}
	m.next = 0
	m.attempts = 0
	m.state = StateQueued
	return true
}

// Drop fails every message queued for peer with err.
func (c *Controller) Drop(peer uint8, err error) Actions {
	var act Actions
	for _, m := range c.queues[peer] {
		m.state = StateDropped
		act.Failed = append(act.Failed, Failure{m.handle, err})
	}
	c.pending -= len(c.queues[peer])
	delete(c.queues, peer)
	return act
}

// DropAll fails every queued message with err.
func (c *Controller) DropAll(err error) Actions {
	var act Actions
	for _, peer := range c.peers() {
		act.Merge(c.Drop(peer, err))
	}
	return act
}

// Pending returns the number of queued and in-flight messages.
func (c *Controller) Pending() int { return c.pending }

// PendingFor returns the number of queued and in-flight messages to peer.
func (c *Controller) PendingFor(peer uint8) int { return len(c.queues[peer]) }

// InFlight describes the message currently being sent to peer.
type InFlight struct {
	Handle   Handle
	State    State
	Fragment int
	Total    int
	Attempts int
	Deadline time.Time
}

// Head returns the message at the front of peer's queue.
func (c *Controller) Head(peer uint8) (InFlight, bool) {
	m := c.head(peer)
	if m == nil {
		return InFlight{}, false
	}
	return InFlight{
		Handle:   m.handle,
		State:    m.state,
		Fragment: m.next,
		Total:    len(m.frames),
		Attempts: m.attempts,
		Deadline: m.deadline,
	}, true
}

func inFlight(m *outbound) bool {
	return m.state == StateSent || m.state == StateResent
}

func (c *Controller) head(peer uint8) *outbound {
	q := c.queues[peer]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (c *Controller) pop(peer uint8) {
	q := c.queues[peer]
	q[0] = nil
	q = q[1:]
	c.pending--
	if len(q) == 0 {
		delete(c.queues, peer)
		return
	}
	c.queues[peer] = q
}

// peers returns the peers with queued messages in ascending order.
func (c *Controller) peers() []uint8 {
	out := make([]uint8, 0, len(c.queues))
	for p := range c.queues {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
