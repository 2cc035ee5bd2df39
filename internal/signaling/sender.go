package signaling

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/fraglink/internal/link"
)

// sender serializes outgoing signaling messages on the WebSocket. ICE
// candidates arrive from pion goroutines while the main flow writes the SDP.
type sender struct {
	rtc  *link.WebRTC
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// describe creates a local description, applies it and sends it as typ.
func (s *sender) describe(typ messageType, create func() (webrtc.SessionDescription, error)) error {
	desc, err := create()
	if err != nil {
		return err
	}
	if err := s.rtc.SetLocalDescription(desc); err != nil {
		return err
	}
	return s.send(message{Type: typ, SDP: desc.SDP})
}

func (s *sender) sendOffer() error  { return s.describe(msgTypeOffer, s.rtc.CreateOffer) }
func (s *sender) sendAnswer() error { return s.describe(msgTypeAnswer, s.rtc.CreateAnswer) }

func (s *sender) sendCandidate(candidate string) error {
	return s.send(message{Type: msgTypeCandidate, Candidate: candidate})
}
