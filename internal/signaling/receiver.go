package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/fraglink/internal/link"
)

// receiver applies signaling messages from the remote side. Candidates that
// arrive before the remote description are held until it is set.
type receiver struct {
	rtc    *link.WebRTC
	conn   *websocket.Conn
	sender *sender

	remoteSet bool
	early     []webrtc.ICECandidateInit
}

// watch reads messages until the WebSocket fails or closes. An offer is
// answered immediately.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}
		if err := r.apply(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) apply(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		return r.sender.sendAnswer()

	case msgTypeAnswer:
		if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		if !r.remoteSet {
			r.early = append(r.early, init)
			return nil
		}
		if err := r.rtc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}

	default:
		return fmt.Errorf("unknown signaling message %q", msg.Type)
	}
	return nil
}

func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := r.rtc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	r.remoteSet = true
	for _, c := range r.early {
		if err := r.rtc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}
	}
	r.early = nil
	return nil
}
