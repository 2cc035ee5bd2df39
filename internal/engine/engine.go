// Package engine ties the codec, reassembler, reliability controller and
// session table into one protocol node.
//
// All state is guarded by a single mutex. Link sends and application
// callbacks are collected while the mutex is held and dispatched after it is
// released, so a callback or a synchronous link may re-enter the engine.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/fraglink/internal/link"
	"github.com/1ureka/fraglink/internal/protocol"
	"github.com/1ureka/fraglink/internal/reassembly"
	"github.com/1ureka/fraglink/internal/reliability"
	"github.com/1ureka/fraglink/internal/session"
	"github.com/1ureka/fraglink/internal/util"
)

var (
	ErrLinkDown      = errors.New("engine: link down")
	ErrBroadcastAck  = errors.New("engine: broadcast messages cannot request acknowledgment")
	ErrSelfAddressed = errors.New("engine: receiver is the local node")
	ErrClosed        = errors.New("engine: closed")
)

// Handle identifies a submitted message.
type Handle = reliability.Handle

// Cipher seals and opens whole messages.
type Cipher interface {
	Encrypt(plaintext, ad []byte) ([]byte, error)
	Decrypt(ciphertext, ad []byte) ([]byte, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ErrorEvent reports a failure to the application.
type ErrorEvent struct {
	Kind protocol.Kind
	Peer uint8
	// Handle is set when the failure concerns a submitted message.
	Handle *Handle
	Err    error
}

func (e ErrorEvent) String() string {
	if e.Handle != nil {
		return fmt.Sprintf("%s peer=%d msg=%d: %v", e.Kind, e.Peer, e.Handle.MessageID, e.Err)
	}
	return fmt.Sprintf("%s peer=%d: %v", e.Kind, e.Peer, e.Err)
}

// Handlers are the application callbacks. Any of them may be nil.
type Handlers struct {
	OnMessage   func(sender uint8, payload []byte)
	OnDelivered func(h Handle)
	OnError     func(ev ErrorEvent)
	OnLinkState func(peer uint8, state session.State)
}

// Options are the collaborators of an Engine. Link is required; Cipher is
// required when encryption is enabled.
type Options struct {
	Link     link.Link
	Cipher   Cipher
	Clock    Clock
	Logger   util.Logger
	Handlers Handlers
}

// Engine is one protocol node.
type Engine struct {
	cfg    Config
	codec  protocol.Codec
	link   link.Link
	cipher Cipher
	clock  Clock
	log    util.Logger
	h      Handlers

	mu          sync.Mutex
	sessions    *session.Table
	reasm       *reassembly.Reassembler
	rel         *reliability.Controller
	broadcastID uint8
	closed      bool

	stats stats
}

// New creates an Engine and registers it as the link's receive handler.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Link == nil {
		return nil, errors.New("engine: link is required")
	}
	if cfg.EncryptionEnabled && opts.Cipher == nil {
		return nil, errors.New("engine: encryption enabled without a cipher")
	}
	codec, err := protocol.NewCodec(cfg.MTU)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = util.NopLogger{}
	}

	e := &Engine{
		cfg:      cfg,
		codec:    codec,
		link:     opts.Link,
		cipher:   opts.Cipher,
		clock:    opts.Clock,
		log:      opts.Logger,
		h:        opts.Handlers,
		sessions: session.NewTable(cfg.session()),
		reasm:    reassembly.New(cfg.reassembly()),
		rel:      reliability.New(cfg.reliability()),
	}
	opts.Link.OnReceive(e.HandleIncoming)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// LocalID returns the node id.
func (e *Engine) LocalID() uint8 { return e.cfg.LocalID }

// Sync starts link establishment with peer, restarting any synchronization
// already in progress.
func (e *Engine) Sync(peer uint8) error {
	if peer == protocol.Broadcast || peer == e.cfg.LocalID {
		return fmt.Errorf("engine: cannot synchronize with node %d", peer)
	}
	var fx effects
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.startSync(&fx, e.sessions.Get(peer), e.clock.Now())
	e.mu.Unlock()
	e.flush(&fx)
	return nil
}

// Link returns the session state of peer.
func (e *Engine) Link(peer uint8) (session.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions.Lookup(peer)
	if !ok {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Peers returns the ids of every peer with a session.
func (e *Engine) Peers() []uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.Peers()
}

// Pending returns the number of queued and in-flight outbound messages.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rel.Pending()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() StatsSnapshot { return e.stats.snapshot() }

// Run calls Tick every interval until ctx is done or the engine is closed,
// in which case it returns ErrClosed.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.isClosed() {
				return ErrClosed
			}
			e.Tick(e.clock.Now())
		}
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close fails every pending message with ErrClosed and rejects further
// submissions. Inbound frames are ignored afterwards.
func (e *Engine) Close() error {
	var fx effects
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.applyActions(&fx, e.rel.DropAll(protocol.Wrap(protocol.KindSequence, ErrClosed, "shutdown")))
	e.mu.Unlock()
	e.flush(&fx)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Deferred effects
// ──────────────────────────────────────────────────────────────────────────────

type inboundMessage struct {
	sender  uint8
	payload []byte
}

type linkState struct {
	peer  uint8
	state session.State
}

// effects collects the work of one locked operation.
type effects struct {
	frames    [][]byte
	messages  []inboundMessage
	delivered []Handle
	errors    []ErrorEvent
	states    []linkState
}

func (fx *effects) fail(ev ErrorEvent) { fx.errors = append(fx.errors, ev) }

// flush performs the collected effects. It must be called without e.mu held.
// Callbacks run before frames are sent: a synchronous link may process the
// reply, and report its effects, before Send returns.
func (e *Engine) flush(fx *effects) {
	if e.h.OnLinkState != nil {
		for _, s := range fx.states {
			e.h.OnLinkState(s.peer, s.state)
		}
	}
	if e.h.OnMessage != nil {
		for _, m := range fx.messages {
			e.h.OnMessage(m.sender, m.payload)
		}
	}
	if e.h.OnDelivered != nil {
		for _, h := range fx.delivered {
			e.h.OnDelivered(h)
		}
	}
	if e.h.OnError != nil {
		for _, ev := range fx.errors {
			e.h.OnError(ev)
		}
	}
	for _, b := range fx.frames {
		if err := e.link.Send(b); err != nil {
			e.stats.SendErrors.Add(1)
			e.log.Debugf("[engine %d] send of %d bytes failed: %v", e.cfg.LocalID, len(b), err)
			continue
		}
		e.stats.FramesSent.Add(1)
		e.stats.BytesSent.Add(int64(len(b)))
	}
}

// emit encodes one frame for transmission.
func (e *Engine) emit(fx *effects, h protocol.Header, payload []byte) {
	b, err := e.codec.Encode(h, payload)
	if err != nil {
		e.log.Errorf("[engine %d] encode %s: %v", e.cfg.LocalID, h, err)
		return
	}
	fx.frames = append(fx.frames, b)
}

// control emits a control frame addressed to peer.
func (e *Engine) control(fx *effects, typ protocol.Type, peer, messageID uint8, idx uint16, payload []byte) {
	e.emit(fx, protocol.Header{
		Type:          typ,
		MessageID:     messageID,
		FragmentIndex: idx,
		TotalLength:   uint16(len(payload)),
		SenderID:      e.cfg.LocalID,
		ReceiverID:    peer,
	}, payload)
}

// applyActions turns reliability work into frames and callbacks.
func (e *Engine) applyActions(fx *effects, act reliability.Actions) {
	for _, f := range act.Frames {
		e.emit(fx, f.Header, f.Payload)
	}
	e.stats.Retransmits.Add(int64(act.Retransmits))
	for _, h := range act.Delivered {
		e.stats.MessagesDelivered.Add(1)
		fx.delivered = append(fx.delivered, h)
	}
	for _, f := range act.Failed {
		kind := protocol.KindOf(f.Err)
		e.stats.MessagesFailed.Add(1)
		e.stats.addError(kind)
		e.log.Warnf("[engine %d] message %d to %d failed: %v", e.cfg.LocalID, f.Handle.MessageID, f.Handle.Peer, f.Err)
		h := f.Handle
		fx.fail(ErrorEvent{Kind: kind, Peer: h.Peer, Handle: &h, Err: f.Err})
	}
}

// pump starts transmission for every peer whose link allows it.
func (e *Engine) pump(fx *effects, now time.Time) {
	e.applyActions(fx, e.rel.Pump(now, e.ready))
}

func (e *Engine) ready(peer uint8) bool {
	if peer == protocol.Broadcast {
		return true
	}
	s, ok := e.sessions.Lookup(peer)
	return ok && s.Up()
}

func (e *Engine) setState(fx *effects, s *session.Session) {
	fx.states = append(fx.states, linkState{peer: s.Peer(), state: s.State()})
}

// startSync sends SYNC to the peer of s with a fresh nonce. Partial inbound
// messages from the peer are discarded and the in-flight outbound message
// restarts from fragment 0 once the link is up.
func (e *Engine) startSync(fx *effects, s *session.Session, now time.Time) {
	nonce := newNonce()
	s.BeginSync(nonce, now)
	e.reasm.ResetPeer(s.Peer())
	e.rel.Rewind(s.Peer())
	e.stats.SyncsStarted.Add(1)
	e.control(fx, protocol.TypeSync, s.Peer(), 0, 0, nonceBytes(nonce))
	e.setState(fx, s)
	e.log.Debugf("[engine %d] SYNC to %d nonce=%08x", e.cfg.LocalID, s.Peer(), nonce)
}

func newNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

func nonceBytes(n uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, n)
}

// additionalData binds a ciphertext to its addressing.
func additionalData(sender, receiver, messageID uint8) []byte {
	return []byte{sender, receiver, messageID}
}
