// Package reassembly rebuilds inbound messages from their fragments.
//
// Fragments are accepted strictly in index order; there is no reorder buffer.
// A Reassembler is not safe for concurrent use; the engine serializes access.
package reassembly

import (
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
)

// Config bounds memory held by partial messages.
type Config struct {
	// MaxConcurrent is the number of in-progress messages kept at once.
	MaxConcurrent int
	// Timeout purges a partial message idle for longer than this. Zero disables expiry.
	Timeout time.Duration
}

// Key identifies one reassembly stream. ReceiverID is 0 for broadcast
// messages and the local node id otherwise.
type Key struct {
	SenderID   uint8
	ReceiverID uint8
}

// Message is a completed inbound message.
type Message struct {
	SenderID   uint8
	ReceiverID uint8
	MessageID  uint8
	Flags      protocol.Flags
	Payload    []byte
}

// Outcome describes what Feed did with a data frame.
type Outcome struct {
	// Message is set when the frame completed a message.
	Message *Message
	// Duplicate reports a frame that was already accepted. It should be
	// acknowledged again but is not delivered twice.
	Duplicate bool
	// Superseded reports that an incomplete message of the same key was discarded.
	Superseded bool
}

// Expired names a partial message dropped by Expire.
type Expired struct {
	Key
	MessageID uint8
	Received  int
	Total     int
}

type buffer struct {
	messageID  uint8
	flags      protocol.Flags
	expected   uint16
	total      int
	data       []byte
	lastActive time.Time
}

// Reassembler tracks in-progress inbound messages, one per Key.
type Reassembler struct {
	cfg       Config
	buffers   map[Key]*buffer
	completed map[Key]uint8
}

// New creates a Reassembler. A non-positive MaxConcurrent is treated as 1.
func New(cfg Config) *Reassembler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Reassembler{
		cfg:       cfg,
		buffers:   make(map[Key]*buffer),
		completed: make(map[Key]uint8),
	}
}

// KeyOf returns the stream a data frame belongs to.
func KeyOf(h protocol.Header) Key {
	return Key{SenderID: h.SenderID, ReceiverID: h.ReceiverID}
}

// Feed processes one CRC-valid data frame received at now.
//
// SEQUENCE errors discard the stream's partial message, so any retransmission
// must restart from fragment 0. START fails with BUFFER_FULL when other
// streams already hold every slot.
func (r *Reassembler) Feed(h protocol.Header, payload []byte, now time.Time) (Outcome, error) {
	if !h.Type.IsData() {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s is not a data frame", h.Type)
	}
	if int(h.CurrentLength) != len(payload) || h.CurrentLength > h.TotalLength {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: inconsistent lengths", h)
	}

	k := KeyOf(h)
	buf := r.buffers[k]

	// A frame just before the expected index is a retransmission whose
	// acknowledgment was lost.
	if buf != nil && buf.messageID == h.MessageID && h.FragmentIndex+1 == buf.expected && h.Type != protocol.TypeSingle {
		buf.lastActive = now
		return Outcome{Duplicate: true}, nil
	}
	if buf == nil || buf.messageID != h.MessageID {
		if last, ok := r.completed[k]; ok && last == h.MessageID && h.Type != protocol.TypeStart {
			return Outcome{Duplicate: true}, nil
		}
	}

	switch h.Type {
	case protocol.TypeSingle:
		return r.single(k, h, payload)
	case protocol.TypeStart:
		return r.start(k, h, payload, now)
	default:
		return r.next(k, buf, h, payload, now)
	}
}

func (r *Reassembler) single(k Key, h protocol.Header, payload []byte) (Outcome, error) {
	if h.FragmentIndex != 0 || h.CurrentLength != h.TotalLength {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: malformed SINGLE", h)
	}
	_, superseded := r.buffers[k]
	delete(r.buffers, k)

	r.completed[k] = h.MessageID
	return Outcome{
		Message:    &Message{SenderID: h.SenderID, ReceiverID: h.ReceiverID, MessageID: h.MessageID, Flags: h.Flags, Payload: payload},
		Superseded: superseded,
	}, nil
}

func (r *Reassembler) start(k Key, h protocol.Header, payload []byte, now time.Time) (Outcome, error) {
	if h.FragmentIndex != 0 {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: START must carry index 0", h)
	}
	_, superseded := r.buffers[k]
	if !superseded && len(r.buffers) >= r.cfg.MaxConcurrent {
		return Outcome{}, protocol.Errorf(protocol.KindBufferFull, "%s: %d reassemblies in progress", h, len(r.buffers))
	}

	data := make([]byte, 0, h.TotalLength)
	r.buffers[k] = &buffer{
		messageID:  h.MessageID,
		flags:      h.Flags,
		expected:   1,
		total:      int(h.TotalLength),
		data:       append(data, payload...),
		lastActive: now,
	}
	return Outcome{Superseded: superseded}, nil
}

func (r *Reassembler) next(k Key, buf *buffer, h protocol.Header, payload []byte, now time.Time) (Outcome, error) {
	if buf == nil {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: no message in progress", h)
	}
	if buf.messageID != h.MessageID {
		delete(r.buffers, k)
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: message %d in progress", h, buf.messageID)
	}
	if h.FragmentIndex != buf.expected {
		delete(r.buffers, k)
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: expected fragment %d", h, buf.expected)
	}
	if int(h.TotalLength) != buf.total || len(buf.data)+len(payload) > buf.total {
		delete(r.buffers, k)
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: overruns total length %d", h, buf.total)
	}

	buf.data = append(buf.data, payload...)
	buf.expected++
	buf.lastActive = now

	if h.Type == protocol.TypeMid {
		return Outcome{}, nil
	}

	delete(r.buffers, k)
	if len(buf.data) != buf.total {
		return Outcome{}, protocol.Errorf(protocol.KindSequence, "%s: assembled %d of %d bytes", h, len(buf.data), buf.total)
	}
	r.completed[k] = h.MessageID
	return Outcome{Message: &Message{
		SenderID:   h.SenderID,
		ReceiverID: h.ReceiverID,
		MessageID:  h.MessageID,
		Flags:      buf.flags,
		Payload:    buf.data,
	}}, nil
}

// Expire drops partial messages idle longer than the configured timeout.
func (r *Reassembler) Expire(now time.Time) []Expired {
	if r.cfg.Timeout <= 0 {
		return nil
	}
	var out []Expired
	for k, buf := range r.buffers {
		if now.Sub(buf.lastActive) > r.cfg.Timeout {
			out = append(out, Expired{Key: k, MessageID: buf.messageID, Received: len(buf.data), Total: buf.total})
			delete(r.buffers, k)
		}
	}
	return out
}

// ResetPeer forgets every partial message and duplicate record of sender.
// It returns the number of partial messages discarded.
func (r *Reassembler) ResetPeer(sender uint8) int {
	n := 0
	for k := range r.buffers {
		if k.SenderID == sender {
			delete(r.buffers, k)
			n++
		}
	}
	for k := range r.completed {
		if k.SenderID == sender {
			delete(r.completed, k)
		}
	}
	return n
}

// Len returns the number of messages being reassembled.
func (r *Reassembler) Len() int { return len(r.buffers) }
