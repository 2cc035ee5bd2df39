package link

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/fraglink/internal/util"
)

// DefaultICEServers are used when no ICE servers are configured. No TURN: the
// link is meant for direct connectivity.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTCConfig configures NewWebRTC.
type WebRTCConfig struct {
	// ICEServers are STUN URLs. nil selects DefaultICEServers; an empty
	// non-nil slice gathers host candidates only.
	ICEServers []string
	// Loopback restricts gathering to loopback addresses, for two ends on
	// the same machine.
	Loopback bool
}

func (c WebRTCConfig) api() *webrtc.API {
	var se webrtc.SettingEngine
	if c.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetIPFilter(func(ip net.IP) bool { return ip.IsLoopback() })
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c WebRTCConfig) iceServers() []webrtc.ICEServer {
	urls := c.ICEServers
	if urls == nil {
		urls = DefaultICEServers
	}
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// WebRTC carries frames over a single pion DataChannel configured as a lossy
// datagram channel: unordered and never retransmitted by SCTP, so loss
// recovery is left to the engine.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction. The PeerConnection state is only logged.
type WebRTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler func([]byte)
}

// NewWebRTC creates a PeerConnection and a pre-negotiated DataChannel. The
// caller performs signaling through the exposed methods, then waits on Ready.
func NewWebRTC(ctx context.Context, cfg WebRTCConfig) (*WebRTC, error) {
	pc, err := cfg.api().NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.iceServers(),
	})
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	wCtx, wCancel := context.WithCancel(ctx)
	w := &WebRTC{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        wCtx,
		cancel:     wCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(w.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("[webrtc] DataChannel closed")
		wCancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.mu.RLock()
		fn := w.handler
		w.mu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[webrtc] PeerConnection state: %s", state)
	})

	w.sender = newSender(wCtx, dc, w.openSignal)
	return w, nil
}

// newDataChannel creates the negotiated (id 0) channel both sides open
// independently, without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("fraglink", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Link
// ──────────────────────────────────────────────────────────────────────────────

// Send enqueues frame for the writer goroutine. It fails with ErrNotReady
// before the channel opens and with ErrQueueFull under backpressure.
func (w *WebRTC) Send(frame []byte) error {
	select {
	case <-w.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case <-w.openSignal:
	default:
		return ErrNotReady
	}
	return w.sender.send(append([]byte(nil), frame...))
}

// OnReceive registers the inbound frame handler.
func (w *WebRTC) OnReceive(fn func([]byte)) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Ready is closed once the DataChannel is open.
func (w *WebRTC) Ready() <-chan struct{} { return w.openSignal }

// Done is closed when the DataChannel closes or the parent context ends.
func (w *WebRTC) Done() <-chan struct{} { return w.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (w *WebRTC) Close() error {
	w.cancel()
	return errors.Join(w.dc.Close(), w.pc.Close())
}

// ──────────────────────────────────────────────────────────────────────────────
// Signaling
// ──────────────────────────────────────────────────────────────────────────────

func (w *WebRTC) CreateOffer() (webrtc.SessionDescription, error) {
	return w.pc.CreateOffer(nil)
}

func (w *WebRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return w.pc.CreateAnswer(nil)
}

func (w *WebRTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return w.pc.SetLocalDescription(sdp)
}

func (w *WebRTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return w.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers fn for locally gathered candidates. A nil
// candidate marks the end of gathering.
func (w *WebRTC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	w.pc.OnICECandidate(fn)
}

// AddICECandidate adds a candidate received through signaling.
func (w *WebRTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return w.pc.AddICECandidate(candidate)
}
