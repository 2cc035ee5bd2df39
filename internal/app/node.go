// Package app wires links, the engine and the ambient services into the
// programs the CLI runs: an interactive chat node and a loss simulation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/fraglink/internal/cipher"
	"github.com/1ureka/fraglink/internal/config"
	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/link"
	"github.com/1ureka/fraglink/internal/signaling"
	"github.com/1ureka/fraglink/internal/util"
)

// Role selects the signaling side of a WebRTC link. UDP links ignore it.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// closableLink is a link the node owns and must release.
type closableLink interface {
	link.Link
	io.Closer
	Done() <-chan struct{}
}

// openLink builds the configured transport, wrapped in a pacer when a rate
// is set.
func openLink(ctx context.Context, cfg config.Config, role Role) (link.Link, closableLink, error) {
	var raw closableLink
	switch cfg.Link.Kind {
	case config.LinkUDP:
		u, err := link.ListenUDP(ctx, cfg.Link.Listen, cfg.Link.Peer)
		if err != nil {
			return nil, nil, err
		}
		util.LogInfo("UDP link on %s", u.LocalAddr())
		raw = u

	case config.LinkWebRTC:
		var (
			w   *link.WebRTC
			err error
		)
		switch role {
		case RoleHost:
			w, err = signaling.EstablishAsHost(ctx, cfg.Signaling.Listen, cfg.WebRTC())
		case RoleClient:
			if cfg.Signaling.URL == "" {
				return nil, nil, errors.New("webrtc client requires a signaling url")
			}
			w, err = signaling.EstablishAsClient(ctx, cfg.Signaling.URL, cfg.WebRTC())
		default:
			return nil, nil, fmt.Errorf("webrtc link requires role host or client, got %q", role)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to establish WebRTC link: %w", err)
		}
		raw = w

	default:
		return nil, nil, fmt.Errorf("unsupported link kind %q", cfg.Link.Kind)
	}

	if cfg.Link.Rate > 0 {
		util.LogInfo("pacing link to %d B/s (burst %d)", cfg.Link.Rate, cfg.Link.Burst)
		return link.NewPaced(raw, cfg.Link.Rate, cfg.Link.Burst), raw, nil
	}
	return raw, raw, nil
}

// newEngine builds an engine over l with the configured cipher.
func newEngine(cfg config.Config, l link.Link, log util.Logger, h engine.Handlers) (*engine.Engine, error) {
	opts := engine.Options{Link: l, Logger: log, Handlers: h}
	if cfg.EncryptionEnabled {
		c, err := cipher.NewFromHex(cfg.Cipher.KeyHex)
		if err != nil {
			return nil, err
		}
		opts.Cipher = c
	}
	return engine.New(cfg.Engine(), opts)
}

// tickInterval drives engine timers at a fraction of the shortest timeout.
func tickInterval(cfg engine.Config) time.Duration {
	d := cfg.RetransmitTimeout / 4
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}
