// fraglink: CLI entry point.
//
// This tool runs a fraglink node: a fragmenting, acknowledged message link
// over a small-MTU datagram transport (UDP, or a lossy WebRTC DataChannel
// negotiated through a WebSocket signaling phase). It can also simulate two
// nodes over an impaired in-memory link.
//
// It can be launched interactively (no -role flag) or non-interactively via
// flags (-role, -config, -link, -listen, -peer, -id, -to, -wsPort, -wsUrl).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/fraglink/internal/app"
	"github.com/1ureka/fraglink/internal/config"
	"github.com/1ureka/fraglink/internal/util"
)

var version = "dev"

// flags holds the command-line overrides applied on top of the config file.
type flags struct {
	configPath string
	role       string
	linkKind   string
	listen     string
	peer       string
	id         string
	to         int
	wsPort     int
	wsURL      string
	wsListen   bool
	debug      bool

	messages int
	size     int
	loss     float64
	corrupt  float64
	seed     uint64
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&f.role, "role", "", "Role: host, client or simulate")
	flag.StringVar(&f.linkKind, "link", "", "Link kind: udp or webrtc")
	flag.StringVar(&f.listen, "listen", "", "UDP listen address")
	flag.StringVar(&f.peer, "peer", "", "UDP peer address")
	flag.StringVar(&f.id, "id", "", "Local node id (1~255, or any name hashed to one)")
	flag.IntVar(&f.to, "to", -1, "Default destination node id (0 broadcasts)")
	flag.IntVar(&f.wsPort, "wsPort", 0, "WebSocket signaling server port (host only)")
	flag.StringVar(&f.wsURL, "wsUrl", "", "WebSocket URL to connect to, with ?pin= (client only)")
	flag.BoolVar(&f.wsListen, "wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.IntVar(&f.messages, "messages", 20, "Messages to send (simulate only)")
	flag.IntVar(&f.size, "size", 120, "Message size in bytes (simulate only)")
	flag.Float64Var(&f.loss, "loss", 0.1, "Frame loss probability (simulate only)")
	flag.Float64Var(&f.corrupt, "corrupt", 0.02, "Frame corruption probability (simulate only)")
	flag.Uint64Var(&f.seed, "seed", 1, "Random seed (simulate only)")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := setupLogging(cfg, f.debug); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("fraglink v%s", version))
	pterm.Println()

	switch f.role {
	case "":
		runInteractive(ctx, cfg, f)

	case "simulate":
		runSimulate(ctx, cfg, f)

	case "host", "client":
		role := app.Role(f.role)
		if cfg.Link.Kind == config.LinkWebRTC {
			if err := applySignaling(&cfg, role, f); err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
		}
		runChat(ctx, cfg, role, defaultPeer(cfg, role, f.to))

	default:
		util.LogError("invalid -role: must be 'host', 'client' or 'simulate'")
		os.Exit(1)
	}

	util.LogInfo("node closed")
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.linkKind != "" {
		cfg.Link.Kind = config.LinkKind(f.linkKind)
	}
	if f.listen != "" {
		cfg.Link.Listen = f.listen
	}
	if f.peer != "" {
		cfg.Link.Peer = f.peer
	}
	if f.id != "" {
		cfg.LocalID = util.NodeIDFromString(f.id)
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.Config, debug bool) error {
	level, err := util.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if debug {
		level = util.LevelDebug
	}
	log, err := util.NewLogger(cfg.Log.Format, level)
	if err != nil {
		return err
	}
	util.SetDefault(log)
	return nil
}

// applySignaling fills the signaling endpoint from flags.
func applySignaling(cfg *config.Config, role app.Role, f flags) error {
	switch role {
	case app.RoleHost:
		switch {
		case f.wsListen:
			cfg.Signaling.Listen = fmt.Sprintf(":%d", f.wsPort)
		case f.wsPort > 0:
			cfg.Signaling.Listen = fmt.Sprintf("127.0.0.1:%d", f.wsPort)
		}
	case app.RoleClient:
		if f.wsURL != "" {
			cfg.Signaling.URL = f.wsURL
		}
		if cfg.Signaling.URL == "" {
			return fmt.Errorf("missing -wsUrl for client role")
		}
		wsURL, err := normalizeWSURL(cfg.Signaling.URL)
		if err != nil {
			return err
		}
		cfg.Signaling.URL = wsURL
	}
	return nil
}

// defaultPeer picks the destination of unaddressed lines: -to when given,
// otherwise node 2 for a host and node 1 for a client.
func defaultPeer(cfg config.Config, role app.Role, to int) uint8 {
	if to >= 0 && to <= 255 {
		return uint8(to)
	}
	var peer uint8 = 2
	if role == app.RoleClient {
		peer = 1
	}
	if peer == cfg.LocalID {
		peer = 0
	}
	return peer
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for the role when no -role flag is provided.
func runInteractive(ctx context.Context, cfg config.Config, f flags) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Host:     wait for a peer",
			"Client:   connect to a host",
			"Simulate: two nodes over a lossy link",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Simulate"):
		runSimulate(ctx, cfg, f)
	case strings.HasPrefix(choice, "Host"):
		if cfg.Link.Kind == config.LinkWebRTC {
			applySignaling(&cfg, app.RoleHost, f)
		}
		runChat(ctx, cfg, app.RoleHost, askID("Peer node id (0 to broadcast)", defaultPeer(cfg, app.RoleHost, f.to)))
	default:
		if cfg.Link.Kind == config.LinkWebRTC {
			cfg.Signaling.URL = askURL()
		} else if cfg.Link.Peer == "" {
			cfg.Link.Peer = askAddr()
		}
		runChat(ctx, cfg, app.RoleClient, askID("Peer node id (0 to broadcast)", defaultPeer(cfg, app.RoleClient, f.to)))
	}
}

func runChat(ctx context.Context, cfg config.Config, role app.Role, peer uint8) {
	if peer == cfg.LocalID {
		util.LogError("destination %d is the local node", peer)
		os.Exit(1)
	}
	err := app.RunChat(ctx, app.ChatOptions{
		Config: cfg,
		Role:   role,
		Peer:   peer,
		In:     os.Stdin,
	})
	if err != nil {
		util.LogError("node failed: %v", err)
		os.Exit(1)
	}
}

func runSimulate(ctx context.Context, cfg config.Config, f flags) {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Simulating %d messages at %.0f%% loss, %.0f%% corruption...", f.messages, f.loss*100, f.corrupt*100))
	res, err := app.Simulate(ctx, app.SimOptions{
		Engine:   cfg.Engine(),
		Messages: f.messages,
		Size:     f.size,
		Loss:     f.loss,
		Corrupt:  f.corrupt,
		Seed:     f.seed,
		Logger:   util.Default(),
	})
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("Simulation complete")

	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Submitted", "Delivered", "Failed", "Received", "Mismatched", "Retransmits", "NACKs", "Virtual time"},
		{
			strconv.Itoa(res.Submitted), strconv.Itoa(res.Delivered), strconv.Itoa(res.Failed),
			strconv.Itoa(res.Received), strconv.Itoa(res.Mismatched),
			strconv.FormatInt(res.Sender.Retransmits, 10), strconv.FormatInt(res.Receiver.NacksSent, 10),
			res.Elapsed.String(),
		},
	}).Render()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a raw WebSocket URL and keeps its PIN query.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	out := fmt.Sprintf("%s://%s/ws", scheme, u.Host)
	if pin := u.Query().Get("pin"); pin != "" {
		out += "?pin=" + url.QueryEscape(pin)
	}
	return out, nil
}

// askID prompts for a node id until a valid one is entered.
func askID(prompt string, def uint8) uint8 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("%s [%d]", prompt, def)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}
		id, err := strconv.Atoi(raw)
		if err == nil && id >= 0 && id <= 255 {
			pterm.Println()
			return uint8(id)
		}

		util.LogWarning("invalid node id: must be 0 ~ 255")
		pterm.Println()
	}
}

// askURL prompts for a WebSocket URL carrying the PIN until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws?pin=1234)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askAddr prompts for a UDP peer address until a valid one is entered.
func askAddr() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Peer UDP address (host:port)").
			Show()

		raw = strings.TrimSpace(raw)
		if _, port, err := net.SplitHostPort(raw); err == nil && port != "" {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid address: expected host:port")
	}
}
