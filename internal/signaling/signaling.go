package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/fraglink/internal/link"
	"github.com/1ureka/fraglink/internal/util"
)

// PINLength is the number of digits in a host PIN.
const PINLength = 4

// EstablishAsHost runs the host side of signaling:
//  1. Start a WS server on addr with a random PIN
//  2. Print port and PIN
//  3. Wait for the client to connect
//  4. Create the WebRTC link and send the offer
//  5. Wait for the DataChannel to open
//  6. Close the WS server and connection
func EstablishAsHost(ctx context.Context, addr string, cfg link.WebRTCConfig) (*link.WebRTC, error) {
	pin := generatePIN(PINLength)
	srv := newServer(pin)
	wsPort, err := srv.start(addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\n\nForward this port to reach the host from outside.", wsPort, pin))
	pterm.Info.Println("Waiting for client...")

	return host(ctx, srv, cfg)
}

// host runs steps 3 to 5 on a started server.
func host(ctx context.Context, srv *server, cfg link.WebRTCConfig) (*link.WebRTC, error) {
	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("client connected")

	rtc, err := link.NewWebRTC(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC link: %w", err)
	}

	s, errCh := exchange(rtc, wsConn)
	if err := s.sendOffer(); err != nil {
		rtc.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	return await(ctx, rtc, errCh)
}

// EstablishAsClient runs the client side of signaling against wsURL, which
// must carry the host's PIN.
func EstablishAsClient(ctx context.Context, wsURL string, cfg link.WebRTCConfig) (*link.WebRTC, error) {
	pterm.Info.Println("Connecting to host...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogInfo("WS connected: %s", wsURL)

	rtc, err := link.NewWebRTC(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC link: %w", err)
	}

	_, errCh := exchange(rtc, wsConn)
	return await(ctx, rtc, errCh)
}

// exchange trickles local candidates to the remote side and starts the
// receive loop. The loop ends when wsConn is closed.
func exchange(rtc *link.WebRTC, wsConn *websocket.Conn) (*sender, <-chan error) {
	s := &sender{rtc: rtc, conn: wsConn}
	r := &receiver{rtc: rtc, conn: wsConn, sender: s}

	rtc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := s.sendCandidate(string(data)); err != nil {
			util.LogDebug("[signaling] candidate not sent: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- r.watch() }()
	return s, errCh
}

func await(ctx context.Context, rtc *link.WebRTC, errCh <-chan error) (*link.WebRTC, error) {
	select {
	case <-rtc.Ready():
		util.LogInfo("WebRTC DataChannel established, closing WS")
		return rtc, nil

	case err := <-errCh:
		rtc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		rtc.Close()
		return nil, ctx.Err()
	}
}
