package engine

import (
	"encoding/binary"
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/reassembly"
	"github.com/1ureka/fraglink/internal/session"
)

// HandleIncoming processes one frame from the link. It is the link's receive
// hook and is safe to call from any goroutine.
func (e *Engine) HandleIncoming(frame []byte) {
	e.stats.FramesReceived.Add(1)
	e.stats.BytesReceived.Add(int64(len(frame)))

	var fx effects
	e.mu.Lock()
	if !e.closed {
		e.receive(&fx, frame, e.clock.Now())
	}
	e.mu.Unlock()
	e.flush(&fx)
}

func (e *Engine) receive(fx *effects, frame []byte, now time.Time) {
	h, payload, err := e.codec.Decode(frame)
	if err != nil {
		kind := protocol.KindOf(err)
		e.stats.addError(kind)
		e.log.Debugf("[engine %d] dropped frame: %v", e.cfg.LocalID, err)
		// A CRC failure still yields a trustworthy enough header to ask the
		// sender for that fragment again.
		if kind == protocol.KindCRC && h.Type.IsData() && h.AckRequested() && h.ReceiverID == e.cfg.LocalID && e.unicastSender(h) {
			e.nack(fx, h.SenderID, h.MessageID, h.FragmentIndex)
		}
		return
	}

	if (h.ReceiverID != e.cfg.LocalID && h.ReceiverID != protocol.Broadcast) || !e.unicastSender(h) {
		e.stats.FramesIgnored.Add(1)
		return
	}

	if h.ReceiverID == protocol.Broadcast {
		if h.Type.IsData() {
			e.receiveData(fx, h, payload, now)
		} else {
			e.stats.FramesIgnored.Add(1)
		}
		return
	}

	s := e.sessions.Get(h.SenderID)
	switch h.Type {
	case protocol.TypeSync:
		e.onSync(fx, s, payload, now)
		return
	case protocol.TypeSyncAck:
		e.onSyncAck(fx, s, payload, now)
		return
	case protocol.TypeReset:
		e.onReset(fx, s, now)
		return
	}

	if !s.Up() && !e.admitUnsynced(fx, s, h, now) {
		return
	}
	s.Touch(now)

	switch h.Type {
	case protocol.TypePing:
		e.control(fx, protocol.TypePong, h.SenderID, h.MessageID, 0, nil)
	case protocol.TypePong:
	case protocol.TypeAck:
		e.applyActions(fx, e.rel.Ack(h.SenderID, h.MessageID, h.FragmentIndex))
		e.pump(fx, now)
	case protocol.TypeNack:
		e.applyActions(fx, e.rel.Nack(h.SenderID, h.MessageID, h.FragmentIndex))
		e.pump(fx, now)
	default:
		e.receiveData(fx, h, payload, now)
	}
}

// unicastSender reports whether the frame names a plausible remote sender.
func (e *Engine) unicastSender(h protocol.Header) bool {
	return h.SenderID != protocol.Broadcast && h.SenderID != e.cfg.LocalID
}

// admitUnsynced applies the policy for traffic from a peer whose link is not
// up. It reports whether the frame should be processed.
func (e *Engine) admitUnsynced(fx *effects, s *session.Session, h protocol.Header, now time.Time) bool {
	if e.cfg.AcceptUnsynced {
		s.MarkUp(now)
		e.setState(fx, s)
		e.log.Debugf("[engine %d] link to %d up on unsynced %s", e.cfg.LocalID, s.Peer(), h.Type)
		e.pump(fx, now)
		return true
	}
	e.stats.FramesIgnored.Add(1)
	// While our own SYNC is outstanding the peer will be told soon enough.
	if s.State() == session.StateDown {
		e.control(fx, protocol.TypeReset, s.Peer(), 0, 0, nil)
	}
	return false
}

func (e *Engine) onSync(fx *effects, s *session.Session, payload []byte, now time.Time) {
	if len(payload) != 4 {
		e.stats.addError(protocol.KindSequence)
		return
	}
	peer := s.Peer()
	e.reasm.ResetPeer(peer)
	e.rel.Rewind(peer)
	s.MarkUp(now)
	e.control(fx, protocol.TypeSyncAck, peer, 0, 0, payload)
	e.setState(fx, s)
	e.log.Debugf("[engine %d] SYNC from %d, link up", e.cfg.LocalID, peer)
	e.pump(fx, now)
}

func (e *Engine) onSyncAck(fx *effects, s *session.Session, payload []byte, now time.Time) {
	if len(payload) != 4 || !s.CompleteSync(binary.LittleEndian.Uint32(payload), now) {
		e.stats.FramesIgnored.Add(1)
		return
	}
	e.setState(fx, s)
	e.log.Debugf("[engine %d] SYNC_ACK from %d, link up", e.cfg.LocalID, s.Peer())
	e.pump(fx, now)
}

func (e *Engine) onReset(fx *effects, s *session.Session, now time.Time) {
	peer := s.Peer()
	e.log.Warnf("[engine %d] RESET from %d", e.cfg.LocalID, peer)
	if n := e.reasm.ResetPeer(peer); n > 0 {
		e.log.Debugf("[engine %d] discarded %d partial messages from %d", e.cfg.LocalID, n, peer)
	}
	e.applyActions(fx, e.rel.Drop(peer, protocol.Errorf(protocol.KindSequence, "link reset by %d", peer)))
	e.startSync(fx, s, now)
}

// receiveData feeds a data frame to the reassembler and answers it.
func (e *Engine) receiveData(fx *effects, h protocol.Header, payload []byte, now time.Time) {
	unicast := h.ReceiverID != protocol.Broadcast
	wantAck := unicast && h.AckRequested()

	out, err := e.reasm.Feed(h, payload, now)
	if err != nil {
		kind := protocol.KindOf(err)
		e.stats.addError(kind)
		e.log.Debugf("[engine %d] %v", e.cfg.LocalID, err)
		if kind == protocol.KindSequence && wantAck {
			// The partial message is gone, so the sender must restart it.
			e.nack(fx, h.SenderID, h.MessageID, 0)
		}
		fx.fail(ErrorEvent{Kind: kind, Peer: h.SenderID, Err: err})
		return
	}
	if out.Superseded {
		e.log.Debugf("[engine %d] msg %d from %d superseded a partial message", e.cfg.LocalID, h.MessageID, h.SenderID)
	}
	if wantAck {
		e.control(fx, protocol.TypeAck, h.SenderID, h.MessageID, h.FragmentIndex, nil)
		e.stats.AcksSent.Add(1)
	}
	if out.Duplicate {
		e.stats.Duplicates.Add(1)
		return
	}
	if out.Message != nil {
		e.deliver(fx, out.Message)
	}
}

// deliver opens a completed message and hands it to the application.
// Plaintext is never delivered for a message that fails authentication.
func (e *Engine) deliver(fx *effects, m *reassembly.Message) {
	payload := m.Payload
	switch {
	case m.Flags.Has(protocol.FlagEncrypted):
		if e.cipher == nil {
			e.rejectMessage(fx, m, protocol.Errorf(protocol.KindEncryption, "msg %d from %d is encrypted but no cipher is configured", m.MessageID, m.SenderID))
			return
		}
		plain, err := e.cipher.Decrypt(payload, additionalData(m.SenderID, m.ReceiverID, m.MessageID))
		if err != nil {
			e.rejectMessage(fx, m, protocol.Wrap(protocol.KindEncryption, err, "open"))
			return
		}
		payload = plain
	case e.cfg.EncryptionEnabled:
		e.rejectMessage(fx, m, protocol.Errorf(protocol.KindEncryption, "msg %d from %d is not encrypted", m.MessageID, m.SenderID))
		return
	}

	e.stats.MessagesReceived.Add(1)
	fx.messages = append(fx.messages, inboundMessage{sender: m.SenderID, payload: payload})
}

func (e *Engine) rejectMessage(fx *effects, m *reassembly.Message, err error) {
	e.stats.addError(protocol.KindEncryption)
	e.log.Warnf("[engine %d] rejected msg %d from %d: %v", e.cfg.LocalID, m.MessageID, m.SenderID, err)
	fx.fail(ErrorEvent{Kind: protocol.KindEncryption, Peer: m.SenderID, Err: err})
}

func (e *Engine) nack(fx *effects, peer, messageID uint8, idx uint16) {
	e.control(fx, protocol.TypeNack, peer, messageID, idx, nil)
	e.stats.NacksSent.Add(1)
}
