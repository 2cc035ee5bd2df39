package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/reassembly"
	"github.com/1ureka/fraglink/internal/reliability"
	"github.com/1ureka/fraglink/internal/session"
)

// Config holds the protocol parameters of one node.
type Config struct {
	LocalID uint8
	MTU     int

	MaxRetries         int
	RetransmitTimeout  time.Duration
	RetransmitBackoff  float64
	MaxRetransmitDelay time.Duration

	ReassemblyTimeout         time.Duration
	MaxConcurrentReassemblies int
	MaxPendingSends           int

	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPings int

	EncryptionEnabled bool
	// QueueWhileDown queues messages for a peer whose link is not up instead
	// of failing them with ErrLinkDown.
	QueueWhileDown bool
	// AcceptUnsynced accepts traffic from a peer that never synchronized and
	// marks its link up. Otherwise such traffic is dropped and answered with RESET.
	AcceptUnsynced bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		LocalID:                   1,
		MTU:                       protocol.DefaultMTU,
		MaxRetries:                3,
		RetransmitTimeout:         200 * time.Millisecond,
		RetransmitBackoff:         1.0,
		MaxRetransmitDelay:        5 * time.Second,
		ReassemblyTimeout:         5 * time.Second,
		MaxConcurrentReassemblies: 4,
		MaxPendingSends:           8,
		PingInterval:              5 * time.Second,
		PongTimeout:               time.Second,
		MaxMissedPings:            3,
		EncryptionEnabled:         false,
		QueueWhileDown:            true,
		AcceptUnsynced:            true,
	}
}

// Validate reports every out-of-range parameter.
func (c Config) Validate() error {
	var errs []error
	if c.LocalID == protocol.Broadcast {
		errs = append(errs, errors.New("local id 0 is reserved for broadcast"))
	}
	if !protocol.ValidMTU(c.MTU) {
		errs = append(errs, fmt.Errorf("mtu %d outside [%d, %d]", c.MTU, protocol.MinMTU, protocol.MaxMTU))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries %d is negative", c.MaxRetries))
	}
	if c.RetransmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("retransmit timeout %v must be positive", c.RetransmitTimeout))
	}
	if c.RetransmitBackoff < 1.0 {
		errs = append(errs, fmt.Errorf("retransmit backoff %v below 1.0", c.RetransmitBackoff))
	}
	if c.MaxRetransmitDelay < 0 {
		errs = append(errs, fmt.Errorf("max retransmit delay %v is negative", c.MaxRetransmitDelay))
	}
	if c.ReassemblyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reassembly timeout %v must be positive", c.ReassemblyTimeout))
	}
	if c.MaxConcurrentReassemblies < 1 {
		errs = append(errs, fmt.Errorf("max concurrent reassemblies %d below 1", c.MaxConcurrentReassemblies))
	}
	if c.MaxPendingSends < 1 {
		errs = append(errs, fmt.Errorf("max pending sends %d below 1", c.MaxPendingSends))
	}
	if c.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("ping interval %v is negative", c.PingInterval))
	}
	if c.PingInterval > 0 {
		if c.PongTimeout <= 0 {
			errs = append(errs, fmt.Errorf("pong timeout %v must be positive", c.PongTimeout))
		}
		if c.MaxMissedPings < 1 {
			errs = append(errs, fmt.Errorf("max missed pings %d below 1", c.MaxMissedPings))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	return nil
}

func (c Config) reassembly() reassembly.Config {
	return reassembly.Config{
		MaxConcurrent: c.MaxConcurrentReassemblies,
		Timeout:       c.ReassemblyTimeout,
	}
}

func (c Config) reliability() reliability.Config {
	return reliability.Config{
		MaxRetries: c.MaxRetries,
		Backoff: reliability.BackoffConfig{
			InitialDelay: c.RetransmitTimeout,
			Multiplier:   c.RetransmitBackoff,
			MaxDelay:     c.MaxRetransmitDelay,
		},
		MaxPending: c.MaxPendingSends,
	}
}

func (c Config) session() session.Config {
	return session.Config{
		PingInterval:   c.PingInterval,
		PongTimeout:    c.PongTimeout,
		MaxMissedPings: c.MaxMissedPings,
		SyncTimeout:    c.RetransmitTimeout,
		MaxSyncRetries: c.MaxRetries,
	}
}
