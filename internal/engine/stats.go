package engine

import (
	"sync/atomic"

	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/util"
)

type stats struct {
	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64
	SendErrors     atomic.Int64
	FramesIgnored  atomic.Int64
	Retransmits    atomic.Int64
	AcksSent       atomic.Int64
	NacksSent      atomic.Int64
	Duplicates     atomic.Int64

	MessagesSubmitted atomic.Int64
	MessagesDelivered atomic.Int64 // outbound, acknowledged or sent
	MessagesFailed    atomic.Int64
	MessagesReceived  atomic.Int64 // inbound, handed to OnMessage

	SyncsStarted atomic.Int64
	LinksLost    atomic.Int64
	PingsSent    atomic.Int64

	errors [protocol.KindEncryption + 1]atomic.Int64
}

func (s *stats) addError(kind protocol.Kind) {
	if int(kind) < len(s.errors) {
		s.errors[kind].Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	FramesSent     int64
	FramesReceived int64
	BytesSent      int64
	BytesReceived  int64
	SendErrors     int64
	FramesIgnored  int64
	Retransmits    int64
	AcksSent       int64
	NacksSent      int64
	Duplicates     int64

	MessagesSubmitted int64
	MessagesDelivered int64
	MessagesFailed    int64
	MessagesReceived  int64

	SyncsStarted int64
	LinksLost    int64
	PingsSent    int64

	// Errors counts failures by kind. Kinds never seen are absent.
	Errors map[protocol.Kind]int64
}

func (s *stats) snapshot() StatsSnapshot {
	out := StatsSnapshot{
		FramesSent:        s.FramesSent.Load(),
		FramesReceived:    s.FramesReceived.Load(),
		BytesSent:         s.BytesSent.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		SendErrors:        s.SendErrors.Load(),
		FramesIgnored:     s.FramesIgnored.Load(),
		Retransmits:       s.Retransmits.Load(),
		AcksSent:          s.AcksSent.Load(),
		NacksSent:         s.NacksSent.Load(),
		Duplicates:        s.Duplicates.Load(),
		MessagesSubmitted: s.MessagesSubmitted.Load(),
		MessagesDelivered: s.MessagesDelivered.Load(),
		MessagesFailed:    s.MessagesFailed.Load(),
		MessagesReceived:  s.MessagesReceived.Load(),
		SyncsStarted:      s.SyncsStarted.Load(),
		LinksLost:         s.LinksLost.Load(),
		PingsSent:         s.PingsSent.Load(),
		Errors:            make(map[protocol.Kind]int64),
	}
	for k := range s.errors {
		if n := s.errors[k].Load(); n > 0 {
			out.Errors[protocol.Kind(k)] = n
		}
	}
	return out
}

// Sample converts the snapshot for the periodic reporter.
func (s StatsSnapshot) Sample() util.Sample {
	return util.Sample{
		BytesSent:   s.BytesSent,
		BytesRecv:   s.BytesReceived,
		Delivered:   s.MessagesDelivered,
		Failed:      s.MessagesFailed,
		Retransmits: s.Retransmits,
	}
}
