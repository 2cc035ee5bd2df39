package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	"github.com/1ureka/fraglink/internal/config"
	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/metrics"
	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/session"
	"github.com/1ureka/fraglink/internal/util"
)

// ChatOptions configure RunChat.
type ChatOptions struct {
	Config config.Config
	Role   Role
	// Peer receives lines without an explicit @id prefix. 0 broadcasts.
	Peer uint8
	In   io.Reader
	Out  io.Writer
}

// RunChat runs an interactive node: stdin lines become messages, delivered
// messages are printed. It blocks until ctx is done, the input ends or the
// link closes.
func RunChat(ctx context.Context, opts ChatOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := opts.Config
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	l, raw, err := openLink(ctx, cfg, opts.Role)
	if err != nil {
		return err
	}
	defer raw.Close()

	out := &printer{w: opts.Out}
	r := newRouter(ctx, out.message)
	e, err := newEngine(cfg, l, util.Default(), engine.Handlers{
		OnMessage: r.deliver,
		OnDelivered: func(h engine.Handle) {
			util.LogDebug("msg %d to %d delivered", h.MessageID, h.Peer)
		},
		OnError: func(ev engine.ErrorEvent) {
			util.LogWarning("%s", ev)
		},
		OnLinkState: func(peer uint8, s session.State) {
			util.LogInfo("link to %d is %s", peer, s)
		},
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(e, e.LocalID()))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg); err != nil {
				util.LogError("metrics server: %v", err)
			}
		}()
	}
	if iv := cfg.StatsInterval(); iv > 0 {
		util.StartStatsReporter(ctx, util.Default(), iv, func() util.Sample { return e.Stats().Sample() })
	}

	go e.Run(ctx, tickInterval(e.Config()))

	if opts.Peer != protocol.Broadcast {
		if err := e.Sync(opts.Peer); err != nil {
			return err
		}
	}
	util.LogSuccess("node %d ready; type a message, @<id> <text> to address a peer, /help for commands", e.LocalID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-raw.Done():
			return errors.New("link closed")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line, opts.Peer)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			out.run(e, cmd)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Input
// ──────────────────────────────────────────────────────────────────────────────

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSend
	cmdLinks
	cmdStats
	cmdSync
	cmdHelp
)

type command struct {
	kind commandKind
	peer uint8
	text string
}

// parseLine interprets one input line. "@<id> text" addresses a peer;
// anything else not starting with "/" goes to def.
func parseLine(line string, def uint8) (command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{}, nil
	case strings.HasPrefix(line, "/"):
		fields := strings.Fields(line)
		switch fields[0] {
		case "/links":
			return command{kind: cmdLinks}, nil
		case "/stats":
			return command{kind: cmdStats}, nil
		case "/help":
			return command{kind: cmdHelp}, nil
		case "/sync":
			if len(fields) != 2 {
				return command{}, errors.New("usage: /sync <peer>")
			}
			peer, err := parsePeer(fields[1])
			if err != nil {
				return command{}, err
			}
			return command{kind: cmdSync, peer: peer}, nil
		}
		return command{}, fmt.Errorf("unknown command %s", fields[0])
	case strings.HasPrefix(line, "@"):
		target, text, _ := strings.Cut(line[1:], " ")
		peer, err := parsePeer(target)
		if err != nil {
			return command{}, err
		}
		if text = strings.TrimSpace(text); text == "" {
			return command{}, errors.New("empty message")
		}
		return command{kind: cmdSend, peer: peer, text: text}, nil
	}
	return command{kind: cmdSend, peer: def, text: line}, nil
}

func parsePeer(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid peer id %q: want 0..255", s)
	}
	return uint8(n), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Output
// ──────────────────────────────────────────────────────────────────────────────

type printer struct {
	w io.Writer
}

func (p *printer) message(sender uint8, payload []byte) {
	fmt.Fprintf(p.w, "%s %s\n", pterm.FgCyan.Sprintf("[%d]", sender), payload)
}

func (p *printer) run(e *engine.Engine, cmd command) {
	switch cmd.kind {
	case cmdSend:
		// Broadcast is fire-and-forget; unicast asks for acknowledgment.
		ack := cmd.peer != protocol.Broadcast
		if _, err := e.Submit([]byte(cmd.text), cmd.peer, ack); err != nil {
			util.LogWarning("send to %d: %v", cmd.peer, err)
		}
	case cmdSync:
		if err := e.Sync(cmd.peer); err != nil {
			util.LogWarning("sync %d: %v", cmd.peer, err)
		}
	case cmdLinks:
		p.links(e)
	case cmdStats:
		p.stats(e.Stats())
	case cmdHelp:
		fmt.Fprintln(p.w, "text | @<id> text | /links | /stats | /sync <id> | /help")
	}
}

func (p *printer) links(e *engine.Engine) {
	data := pterm.TableData{{"Peer", "State", "Last sync", "Next id", "Missed pings"}}
	for _, peer := range e.Peers() {
		s, ok := e.Link(peer)
		if !ok {
			continue
		}
		last := "-"
		if !s.LastSync.IsZero() {
			last = s.LastSync.Format("15:04:05")
		}
		data = append(data, []string{
			strconv.Itoa(int(peer)), s.State.String(), last,
			strconv.Itoa(int(s.NextMessageID)), strconv.Itoa(s.MissedPings),
		})
	}
	table, _ := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	fmt.Fprintln(p.w, table)
}

func (p *printer) stats(s engine.StatsSnapshot) {
	fmt.Fprintf(p.w, "frames  sent=%d recv=%d ignored=%d send-errors=%d\n", s.FramesSent, s.FramesReceived, s.FramesIgnored, s.SendErrors)
	fmt.Fprintf(p.w, "msgs    submitted=%d delivered=%d failed=%d received=%d\n", s.MessagesSubmitted, s.MessagesDelivered, s.MessagesFailed, s.MessagesReceived)
	fmt.Fprintf(p.w, "repair  retransmits=%d acks=%d nacks=%d duplicates=%d\n", s.Retransmits, s.AcksSent, s.NacksSent, s.Duplicates)
	fmt.Fprintf(p.w, "links   syncs=%d lost=%d pings=%d\n", s.SyncsStarted, s.LinksLost, s.PingsSent)
	for k := protocol.KindMTUSize; k <= protocol.KindEncryption; k++ {
		if n := s.Errors[k]; n > 0 {
			fmt.Fprintf(p.w, "error   %s=%d\n", k, n)
		}
	}
}
