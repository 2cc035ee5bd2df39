// Package metrics exports engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/session"
	"github.com/1ureka/fraglink/internal/util"
)

const namespace = "fraglink"

// Source is the engine view the collector reads on every scrape.
type Source interface {
	Stats() engine.StatsSnapshot
	Pending() int
	Peers() []uint8
	Link(peer uint8) (session.Snapshot, bool)
}

type desc struct {
	frames      *prometheus.Desc
	bytes       *prometheus.Desc
	messages    *prometheus.Desc
	retransmits *prometheus.Desc
	acks        *prometheus.Desc
	nacks       *prometheus.Desc
	duplicates  *prometheus.Desc
	sendErrors  *prometheus.Desc
	syncs       *prometheus.Desc
	linksLost   *prometheus.Desc
	pings       *prometheus.Desc
	errors      *prometheus.Desc
	pending     *prometheus.Desc
	linkState   *prometheus.Desc
}

// Collector converts engine snapshots into const metrics at scrape time.
type Collector struct {
	src Source
	d   desc
}

// NewCollector returns a collector for src labelled with the local node id.
func NewCollector(src Source, nodeID uint8) *Collector {
	labels := prometheus.Labels{"node": strconv.Itoa(int(nodeID))}
	newDesc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}
	return &Collector{
		src: src,
		d: desc{
			frames:      newDesc("frames_total", "Frames by direction.", "direction"),
			bytes:       newDesc("bytes_total", "Link bytes by direction.", "direction"),
			messages:    newDesc("messages_total", "Messages by outcome.", "outcome"),
			retransmits: newDesc("retransmits_total", "Fragment retransmissions."),
			acks:        newDesc("acks_sent_total", "ACK frames sent."),
			nacks:       newDesc("nacks_sent_total", "NACK frames sent."),
			duplicates:  newDesc("duplicates_total", "Duplicate inbound fragments suppressed."),
			sendErrors:  newDesc("send_errors_total", "Frames the link refused."),
			syncs:       newDesc("syncs_started_total", "SYNC handshakes started."),
			linksLost:   newDesc("links_lost_total", "Links lost to keepalive failure."),
			pings:       newDesc("pings_sent_total", "PING frames sent."),
			errors:      newDesc("errors_total", "Protocol errors by kind.", "kind"),
			pending:     newDesc("pending_messages", "Queued and in-flight outbound messages."),
			linkState:   newDesc("link_state", "Link state per peer: 0 down, 1 syncing, 2 up.", "peer"),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	d := c.d
	for _, x := range []*prometheus.Desc{
		d.frames, d.bytes, d.messages, d.retransmits, d.acks, d.nacks, d.duplicates,
		d.sendErrors, d.syncs, d.linksLost, d.pings, d.errors, d.pending, d.linkState,
	} {
		ch <- x
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	d := c.d
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(d.frames, s.FramesSent, "sent")
	counter(d.frames, s.FramesReceived, "received")
	counter(d.frames, s.FramesIgnored, "ignored")
	counter(d.bytes, s.BytesSent, "sent")
	counter(d.bytes, s.BytesReceived, "received")
	counter(d.messages, s.MessagesSubmitted, "submitted")
	counter(d.messages, s.MessagesDelivered, "delivered")
	counter(d.messages, s.MessagesFailed, "failed")
	counter(d.messages, s.MessagesReceived, "received")
	counter(d.retransmits, s.Retransmits)
	counter(d.acks, s.AcksSent)
	counter(d.nacks, s.NacksSent)
	counter(d.duplicates, s.Duplicates)
	counter(d.sendErrors, s.SendErrors)
	counter(d.syncs, s.SyncsStarted)
	counter(d.linksLost, s.LinksLost)
	counter(d.pings, s.PingsSent)
	for k := protocol.KindMTUSize; k <= protocol.KindEncryption; k++ {
		counter(d.errors, s.Errors[k], k.String())
	}

	ch <- prometheus.MustNewConstMetric(d.pending, prometheus.GaugeValue, float64(c.src.Pending()))
	for _, peer := range c.src.Peers() {
		if snap, ok := c.src.Link(peer); ok {
			ch <- prometheus.MustNewConstMetric(d.linkState, prometheus.GaugeValue, float64(snap.State), strconv.Itoa(int(peer)))
		}
	}
}

// Serve exposes reg on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
