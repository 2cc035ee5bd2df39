package engine

import (
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/session"
)

// Tick advances every timer to now: fragment retransmission, reassembly
// expiry, SYNC retries and keepalive.
func (e *Engine) Tick(now time.Time) {
	var fx effects
	e.mu.Lock()
	if !e.closed {
		e.tick(&fx, now)
	}
	e.mu.Unlock()
	e.flush(&fx)
}

func (e *Engine) tick(fx *effects, now time.Time) {
	e.applyActions(fx, e.rel.Expire(now))

	for _, x := range e.reasm.Expire(now) {
		e.stats.addError(protocol.KindTimeout)
		err := protocol.Errorf(protocol.KindTimeout, "msg %d from %d stalled at %d of %d bytes", x.MessageID, x.SenderID, x.Received, x.Total)
		e.log.Debugf("[engine %d] %v", e.cfg.LocalID, err)
		fx.fail(ErrorEvent{Kind: protocol.KindTimeout, Peer: x.SenderID, Err: err})
	}

	for _, peer := range e.sessions.Peers() {
		s := e.sessions.Get(peer)
		switch s.SyncDue(now) {
		case session.ActionSync:
			e.control(fx, protocol.TypeSync, peer, 0, 0, nonceBytes(s.SyncNonce()))
		case session.ActionSyncFail:
			e.setState(fx, s)
			e.log.Warnf("[engine %d] no SYNC_ACK from %d, giving up", e.cfg.LocalID, peer)
			e.applyActions(fx, e.rel.Drop(peer, protocol.Errorf(protocol.KindTimeout, "peer %d did not answer SYNC", peer)))
		}

		switch s.Keepalive(now) {
		case session.ActionPing:
			e.stats.PingsSent.Add(1)
			e.control(fx, protocol.TypePing, peer, s.PingID(), 0, nil)
		case session.ActionLinkLost:
			e.linkLost(fx, s, now)
		}
	}

	e.pump(fx, now)
}

// linkLost handles a keepalive failure: the peer is told to RESET and a new
// SYNC begins. The in-flight message is held and restarted once the link is
// back up.
func (e *Engine) linkLost(fx *effects, s *session.Session, now time.Time) {
	peer := s.Peer()
	e.stats.LinksLost.Add(1)
	e.stats.addError(protocol.KindTimeout)
	err := protocol.Errorf(protocol.KindTimeout, "link lost: %d pings to %d unanswered", e.cfg.MaxMissedPings, peer)
	e.log.Warnf("[engine %d] %v", e.cfg.LocalID, err)

	e.control(fx, protocol.TypeReset, peer, 0, 0, nil)
	e.startSync(fx, s, now)
	fx.fail(ErrorEvent{Kind: protocol.KindTimeout, Peer: peer, Err: err})
}
