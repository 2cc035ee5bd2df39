package engine

import (
	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/session"
)

// Submit queues payload for receiver and returns its handle.
//
// With ack set, every fragment is acknowledged and OnDelivered fires after
// the last acknowledgment; otherwise the message counts as delivered once
// written to the link. Broadcast (receiver 0) never requests acknowledgment.
// A message to a peer whose link is not up triggers synchronization and is
// queued, or fails with ErrLinkDown when queueing is disabled.
func (e *Engine) Submit(payload []byte, receiver uint8, ack bool) (Handle, error) {
	if receiver == protocol.Broadcast && ack {
		return Handle{}, ErrBroadcastAck
	}
	if receiver == e.cfg.LocalID {
		return Handle{}, ErrSelfAddressed
	}

	var fx effects
	h, err := e.submit(&fx, payload, receiver, ack)
	e.flush(&fx)
	if err != nil {
		e.log.Debugf("[engine %d] submit to %d rejected: %v", e.cfg.LocalID, receiver, err)
		return Handle{}, err
	}
	return h, nil
}

func (e *Engine) submit(fx *effects, payload []byte, receiver uint8, ack bool) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Handle{}, ErrClosed
	}
	now := e.clock.Now()

	if e.rel.Pending() >= e.cfg.MaxPendingSends {
		e.stats.addError(protocol.KindBufferFull)
		return Handle{}, protocol.Errorf(protocol.KindBufferFull, "%d messages pending", e.rel.Pending())
	}

	var id uint8
	if receiver == protocol.Broadcast {
		id = e.broadcastID
		e.broadcastID++
	} else {
		s := e.sessions.Get(receiver)
		if !s.Up() {
			if s.State() == session.StateDown {
				e.startSync(fx, s, now)
			}
			if !e.cfg.QueueWhileDown {
				return Handle{}, ErrLinkDown
			}
		}
		id = s.NextMessageID()
	}

	var flags protocol.Flags
	if ack {
		flags |= protocol.FlagAckRequested
	}
	if e.cfg.EncryptionEnabled {
		sealed, err := e.cipher.Encrypt(payload, additionalData(e.cfg.LocalID, receiver, id))
		if err != nil {
			e.stats.addError(protocol.KindEncryption)
			return Handle{}, protocol.Wrap(protocol.KindEncryption, err, "seal")
		}
		payload = sealed
		flags |= protocol.FlagEncrypted
	} else {
		payload = append([]byte(nil), payload...)
	}

	frames, err := protocol.Fragment(id, e.cfg.LocalID, receiver, payload, e.cfg.MTU, flags)
	if err != nil {
		e.stats.addError(protocol.KindOf(err))
		return Handle{}, err
	}
	h, err := e.rel.Enqueue(receiver, frames, ack)
	if err != nil {
		e.stats.addError(protocol.KindOf(err))
		return Handle{}, err
	}
	e.stats.MessagesSubmitted.Add(1)
	e.log.Debugf("[engine %d] queued msg %d to %d: %d bytes in %d frames", e.cfg.LocalID, id, receiver, len(payload), len(frames))

	e.pump(fx, now)
	return h, nil
}
