// Copyright 2024-2026 Aiku AI

// Package lifecycle owns the WhatsApp session: it creates session handles,
// reacts to their events, keeps the connectivity record up to date and
// replaces the handle after recoverable disconnects.
//
// # Generations
//
// Every handle is tagged with a generation number. Events are queued
// together with the generation of the handle that emitted them and are
// applied by a single event loop only if that generation is still the
// current one. Replacing a handle, or reaching the logged-out state,
// advances the generation, so late events from a discarded handle can
// neither revert the state nor trigger a second reconnect.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-webhook-relay/pkg/connectivity"
	"github.com/aiku/wa-webhook-relay/pkg/notify"
	"github.com/aiku/wa-webhook-relay/pkg/session"
)

var (
	// ErrNoSession is returned by outbound operations when no live handle exists.
	ErrNoSession = errors.New("no active whatsapp session")
	// ErrStopped is returned when the controller is shutting down.
	ErrStopped = errors.New("session controller stopped")
)

// Status texts broadcast to observers.
const (
	StatusConnecting = "Connecting..."
	StatusScanQR     = "Please scan the QR code to connect."
	StatusConnected  = "WhatsApp connected successfully!"
	StatusRetrying   = "Connection closed. Retrying..."
	StatusLoggedOut  = "Connection closed due to authentication error. Please refresh to get a new QR code."
)

const eventQueueSize = 256

// Phase is the lifecycle state of the session.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseAwaitingScan
	PhaseOpen
	PhaseClosedRetrying
	PhaseClosedTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseAwaitingScan:
		return "awaiting_scan"
	case PhaseOpen:
		return "open"
	case PhaseClosedRetrying:
		return "closed_retrying"
	case PhaseClosedTerminal:
		return "closed_terminal"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StateStore is the durable connectivity record.
type StateStore interface {
	Read() connectivity.State
	Write(ctx context.Context, state connectivity.State) error
}

// InboundHandler consumes messages received by the current session.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg session.InboundMessage)
}

// Options configures a Controller.
type Options struct {
	CredentialsDir string
	// ReconnectDelay is waited before a replacement session is created
	// after a recoverable disconnect. Zero reconnects immediately.
	ReconnectDelay time.Duration
}

type taggedEvent struct {
	generation uint64
	event      session.Event
	command    command
}

// command is an operator request executed on the event loop.
type command interface {
	run(c *Controller) error
	result() chan error
}

// Controller is the single owner of the session handle and the only
// writer of the connectivity record.
type Controller struct {
	log      zerolog.Logger
	factory  session.Factory
	store    StateStore
	sink     notify.Sink
	inbound  InboundHandler
	opts     Options
	encodeQR func(code string) (string, error)

	events   chan taggedEvent
	stopOnce sync.Once
	stopChan chan struct{}
	loopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu         sync.RWMutex
	phase      Phase
	generation uint64
	handle     session.Handle

	sessionsStarted atomic.Int64
}

// NewController creates a controller. sink may be nil.
func NewController(log zerolog.Logger, factory session.Factory, store StateStore, sink notify.Sink, opts Options) *Controller {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Controller{
		log:      log.With().Str("component", "lifecycle").Logger(),
		factory:  factory,
		store:    store,
		sink:     sink,
		opts:     opts,
		encodeQR: EncodeQRDataURL,
		events:   make(chan taggedEvent, eventQueueSize),
		stopChan: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// SetInboundHandler sets the consumer of inbound messages. It must be
// called before Start.
func (c *Controller) SetInboundHandler(h InboundHandler) {
	c.inbound = h
}

// Start resets any state left by a previous process, creates the first
// session and starts the event loop.
func (c *Controller) Start(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	prev := c.store.Read()
	if prev.Connected || prev.HasPendingQR() {
		c.log.Info().
			Bool("was_connected", prev.Connected).
			Bool("had_qr", prev.HasPendingQR()).
			Time("updated_at", prev.UpdatedAt).
			Msg("Resetting connectivity record left by previous run")
	}
	c.writeState(connectivity.State{})
	c.sink.StatusChanged(StatusConnecting)

	c.replaceSession(PhaseInitializing, 0)
	go c.loop()
	return nil
}

// Stop shuts the event loop down, disconnects the current session and
// waits for background session work to finish.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.cancel != nil {
			c.cancel()
			<-c.loopDone
		}
		c.mu.Lock()
		h := c.handle
		c.handle = nil
		c.generation++
		c.mu.Unlock()
		if h != nil {
			h.Disconnect()
		}
		c.inflight.Wait()
	})
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Generation returns the generation of the current session.
func (c *Controller) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Controller) enqueue(gen uint64, evt session.Event) {
	select {
	case c.events <- taggedEvent{generation: gen, event: evt}:
	case <-c.stopChan:
	}
}

func (c *Controller) execute(ctx context.Context, cmd command) error {
	select {
	case c.events <- taggedEvent{command: cmd}:
	case <-c.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result():
		return err
	case <-c.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.stopChan:
			return
		case te := <-c.events:
			if te.command != nil {
				te.command.result() <- te.command.run(c)
				continue
			}
			c.process(te)
		}
	}
}

func (c *Controller) process(te taggedEvent) {
	c.mu.RLock()
	current, phase := c.generation, c.phase
	c.mu.RUnlock()
	if te.generation != current {
		c.log.Debug().
			Uint64("event_generation", te.generation).
			Uint64("current_generation", current).
			Type("event", te.event).
			Msg("Dropping event from superseded session")
		return
	}

	switch evt := te.event.(type) {
	case *session.QRIssued:
		c.handleQR(phase, evt.Code)
	case *session.Opened:
		c.handleOpened(phase)
	case *session.Closed:
		c.handleClosed(evt)
	case *session.MessageReceived:
		c.dispatchInbound(evt.Message)
	case *session.CredsUpdate:
		c.persistCredentials(evt.Material)
	default:
		c.log.Trace().Type("event", te.event).Msg("Unhandled session event")
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// writeState persists the record. A failed write is logged only; the
// store keeps the new state in memory.
func (c *Controller) writeState(state connectivity.State) {
	if err := c.store.Write(c.runCtx, state); err != nil {
		c.log.Err(err).
			Bool("connected", state.Connected).
			Bool("has_qr", state.HasPendingQR()).
			Msg("Failed to persist connectivity state")
	}
}

func (c *Controller) handleQR(phase Phase, code string) {
	image, err := c.encodeQR(code)
	if err != nil {
		c.log.Err(err).Msg("Failed to render QR challenge")
		return
	}
	if phase == PhaseOpen {
		c.log.Warn().Msg("Received QR challenge while session was open")
	}
	c.writeState(connectivity.State{PendingQR: image})
	c.setPhase(PhaseAwaitingScan)
	c.sink.QRChanged(image)
	c.sink.StatusChanged(StatusScanQR)
	c.log.Info().Str("previous_phase", phase.String()).Msg("QR challenge issued")
}

func (c *Controller) handleOpened(phase Phase) {
	if phase == PhaseOpen {
		c.log.Debug().Msg("Ignoring duplicate open event")
		return
	}
	c.writeState(connectivity.State{Connected: true})
	c.setPhase(PhaseOpen)
	c.sink.QRChanged("")
	c.sink.StatusChanged(StatusConnected)
	c.sink.Connected()
	c.log.Info().Str("previous_phase", phase.String()).Msg("Connection opened successfully")
}

func (c *Controller) handleClosed(evt *session.Closed) {
	if evt.Reason == session.CloseLoggedOut {
		c.writeState(connectivity.State{})
		c.terminate()
		c.sink.QRChanged("")
		c.sink.StatusChanged(StatusLoggedOut)
		c.log.Warn().Msg("Connection closed due to authentication error, please re-authenticate")
		return
	}

	state := c.store.Read()
	state.Connected = false
	state.UpdatedAt = time.Time{}
	c.writeState(state)
	c.sink.StatusChanged(StatusRetrying)
	c.log.Info().AnErr("cause", evt.Err).Dur("delay", c.opts.ReconnectDelay).Msg("Connection closed, reconnecting")
	c.replaceSession(PhaseClosedRetrying, c.opts.ReconnectDelay)
}

// terminate discards the handle without replacing it.
func (c *Controller) terminate() {
	c.mu.Lock()
	old := c.handle
	c.handle = nil
	c.generation++
	c.phase = PhaseClosedTerminal
	c.mu.Unlock()
	c.disconnectAsync(old)
}

// replaceSession discards the current handle, advances the generation and
// creates the next session in the background. The controller stays in
// phase until the new session is actually being created.
func (c *Controller) replaceSession(phase Phase, delay time.Duration) {
	c.mu.Lock()
	old := c.handle
	c.handle = nil
	c.generation++
	gen := c.generation
	c.phase = phase
	c.mu.Unlock()

	c.disconnectAsync(old)
	c.sessionsStarted.Add(1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.connect(gen, delay)
	}()
}

func (c *Controller) disconnectAsync(h session.Handle) {
	if h == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		h.Disconnect()
	}()
}

func (c *Controller) connect(gen uint64, delay time.Duration) {
	log := c.log.With().Uint64("generation", gen).Logger()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseInitializing
	c.mu.Unlock()

	handle, err := c.factory.Create(c.runCtx, c.opts.CredentialsDir, func(evt session.Event) {
		c.enqueue(gen, evt)
	})
	if err != nil {
		log.Err(err).Msg("Failed to create session")
		c.enqueue(gen, &session.Closed{Reason: session.CloseOther, Err: err})
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		log.Debug().Msg("Session superseded before connecting")
		handle.Disconnect()
		return
	}
	c.handle = handle
	c.mu.Unlock()

	log.Info().Msg("Connecting session")
	if err = handle.Connect(c.runCtx); err != nil {
		log.Err(err).Msg("Failed to connect session")
		c.enqueue(gen, &session.Closed{Reason: session.CloseOther, Err: err})
	}
}

func (c *Controller) dispatchInbound(msg session.InboundMessage) {
	if c.inbound == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.inbound.HandleInbound(c.runCtx, msg)
	}()
}

func (c *Controller) persistCredentials(material any) {
	h, _, err := c.current()
	if err != nil {
		c.log.Warn().Msg("Credential update without an active session")
		return
	}
	if err = h.PersistCredentials(c.runCtx, material); err != nil {
		c.log.Err(err).Msg("Failed to persist credentials")
		return
	}
	c.log.Debug().Msg("Persisted credentials")
}

func (c *Controller) current() (session.Handle, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil {
		return nil, c.generation, ErrNoSession
	}
	return c.handle, c.generation, nil
}

// Send sends a text message through the current session.
func (c *Controller) Send(ctx context.Context, id, text string) error {
	h, _, err := c.current()
	if err != nil {
		return err
	}
	return h.Send(ctx, id, text)
}

// Lookup resolves an identifier through the current session.
func (c *Controller) Lookup(ctx context.Context, identifier string) (session.LookupResult, error) {
	h, _, err := c.current()
	if err != nil {
		return session.LookupResult{}, err
	}
	return h.Lookup(ctx, identifier)
}

// SetPresence sends a chat presence through the current session.
func (c *Controller) SetPresence(ctx context.Context, id string, state session.PresenceState) error {
	h, _, err := c.current()
	if err != nil {
		return err
	}
	return h.SetPresence(ctx, id, state)
}

// Logout logs the current session out remotely. The session then ends in
// the terminal phase.
func (c *Controller) Logout(ctx context.Context) error {
	h, gen, err := c.current()
	if err != nil {
		return err
	}
	if err = h.Logout(ctx); err != nil {
		return err
	}
	c.enqueue(gen, &session.Closed{Reason: session.CloseLoggedOut})
	return nil
}

type restartCommand struct {
	done chan error
}

func (r *restartCommand) result() chan error { return r.done }

func (r *restartCommand) run(c *Controller) error {
	c.log.Info().Str("previous_phase", c.Phase().String()).Msg("Restarting session on request")
	c.writeState(connectivity.State{})
	c.sink.QRChanged("")
	c.sink.StatusChanged(StatusConnecting)
	c.replaceSession(PhaseInitializing, 0)
	return nil
}

// Restart discards the current session, if any, and creates a new one.
// It is the way out of the logged-out phase.
func (c *Controller) Restart(ctx context.Context) error {
	return c.execute(ctx, &restartCommand{done: make(chan error, 1)})
}

type flushCommand struct {
	done chan error
}

func (f *flushCommand) result() chan error { return f.done }
func (f *flushCommand) run(*Controller) error {
	return nil
}

// flush returns once every event queued before it has been processed.
func (c *Controller) flush(ctx context.Context) error {
	return c.execute(ctx, &flushCommand{done: make(chan error, 1)})
}
