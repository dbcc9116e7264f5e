// Package session owns the single chat-network session of the process: its
// client handle, its state machine and its reconnection policy.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/bus"
	"github.com/coopco/sessiond/internal/channels"
	"github.com/coopco/sessiond/internal/metrics"
)

// Config fixes the session's network, identity and reconnection policy.
type Config struct {
	Network       string
	NetworkConfig json.RawMessage
	Identity      access.Identity
	// DataDir holds one credential directory per identity.
	DataDir              string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// SettleDelay is the pause between wiping credentials and starting again.
	SettleDelay    time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// PairingEmitter renders pairing codes. *pairing.Emitter implements it.
type PairingEmitter interface {
	Emit(token string) bool
	Clear()
}

// Deps are the collaborators of a Manager. Only Factory is required when the
// network is not registered in the channels registry.
type Deps struct {
	Bus     *bus.NotificationBus
	Pairing PairingEmitter
	Metrics *metrics.Recorder
	Factory channels.Factory
}

// Manager drives the session. Every read and write of session state happens
// on one goroutine; public methods and driver callbacks submit closures to
// it and never touch the fields directly.
type Manager struct {
	cfg     Config
	factory channels.Factory
	bus     *bus.NotificationBus
	pairing PairingEmitter
	metrics *metrics.Recorder

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by loop
	state          State
	client         channels.Client
	gen            uint64
	attempts       int
	initializing   bool
	reconnectToken uint64
	lastError      string
	updatedAt      time.Time
}

// NewManager creates a Manager in Idle and starts its goroutine.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("session: identity userId is required")
	}
	factory := deps.Factory
	if factory == nil {
		f, ok := channels.GetFactory(cfg.Network)
		if !ok {
			return nil, fmt.Errorf("session: no driver registered for network %q", cfg.Network)
		}
		factory = f
	}
	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		bus:       deps.Bus,
		pairing:   deps.Pairing,
		metrics:   deps.Metrics,
		cmds:      make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     Idle,
		updatedAt: time.Now().UTC(),
	}
	m.metrics.SetState(Idle.String(), StateNames())
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the owning goroutine and waits for it.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(finished) }:
	case <-m.quit:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post queues fn without waiting. Used by driver callbacks.
func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.quit:
	}
}

// CredentialDir is the per-identity directory handed to the driver.
func (m *Manager) CredentialDir() string {
	return filepath.Join(m.cfg.DataDir, "session-"+sanitize(m.cfg.Identity.UserID))
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(s)
}

// Start brings the session up. It is idempotent: a Ready session or an
// initialization already in flight is reported, not restarted.
func (m *Manager) Start(ctx context.Context) (StartResult, error) {
	return m.start(ctx, nil, false)
}

// start is Start with an optional gate evaluated on the owning goroutine
// before anything else; a false gate makes start a no-op. fromReconnect
// marks attempts scheduled by the reconnection policy.
func (m *Manager) start(ctx context.Context, gate func() bool, fromReconnect bool) (StartResult, error) {
	var (
		res    StartResult
		client channels.Client
		stale  channels.Client
		gen    uint64
		ferr   error
	)
	err := m.do(func() {
		if gate != nil && !gate() {
			res = startSkipped
			return
		}
		switch {
		case m.state == Ready && m.client != nil:
			res = StartAlreadyConnected
			return
		case m.initializing:
			res = StartInProgress
			return
		}

		m.initializing = true
		if !fromReconnect {
			m.reconnectToken++
		}
		stale = m.detach()
		gen = m.gen
		client, ferr = m.factory(m.cfg.NetworkConfig, channels.Options{
			ClientID:      m.cfg.Identity.UserID,
			CredentialDir: m.CredentialDir(),
			Handler:       m.handlerFor(gen),
		})
		if ferr != nil {
			m.initFailed(ferr)
			res = StartFailed
			return
		}
		m.client = client
		m.setState(Initializing, "")
		m.publish(bus.KindInitializing, fmt.Sprintf("initializing %s session for %s", m.cfg.Network, m.cfg.Identity))
		res = StartStarted
	})
	if err != nil {
		return StartFailed, err
	}
	if stale != nil {
		m.teardown(stale)
	}

	switch res {
	case startSkipped:
		slog.Info("session: scheduled start skipped, session changed in the meantime")
		return res, nil
	case StartFailed:
		return StartFailed, fmt.Errorf("%w: %v", ErrInitialization, ferr)
	case StartStarted:
	default:
		slog.Debug("session: start no-op", "result", res)
		return res, nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if cerr := client.Connect(cctx); cerr != nil {
		m.do(func() {
			if m.gen != gen {
				return
			}
			m.detach()
			m.initFailed(cerr)
			if fromReconnect {
				m.scheduleReconnect("CONNECT_FAILED")
			}
		})
		m.teardown(client)
		return StartFailed, fmt.Errorf("%w: %v", ErrInitialization, cerr)
	}
	// The handle may have been detached while Connect ran. The Destroy issued
	// then could precede anything the driver started, so destroy it again.
	var superseded bool
	if err := m.do(func() { superseded = m.gen != gen }); err != nil {
		m.teardown(client)
		return StartFailed, err
	}
	if superseded {
		slog.Debug("session: client detached while connecting", "network", m.cfg.Network)
		m.teardown(client)
		return StartStarted, nil
	}
	slog.Info("session: connect issued", "network", m.cfg.Network, "identity", m.cfg.Identity.String())
	return StartStarted, nil
}

// Stop destroys the client and suppresses any pending automatic reconnect.
// Calling it on a stopped session succeeds.
func (m *Manager) Stop(ctx context.Context) error {
	var stale channels.Client
	err := m.do(func() {
		m.attempts = m.cfg.MaxReconnectAttempts
		m.reconnectToken++
		stale = m.detach()
		m.initializing = false
		m.setState(Disconnected, "")
		m.publish(bus.KindDisconnected, "session stopped")
	})
	if err != nil {
		return err
	}
	if stale != nil {
		m.teardown(stale)
	}
	return nil
}

// ForceReconnect stops the session, wipes the persisted credentials, waits
// the settle delay and starts an unpaired session.
func (m *Manager) ForceReconnect(ctx context.Context) (StartResult, error) {
	if err := m.Stop(ctx); err != nil {
		return StartFailed, err
	}
	dir := m.CredentialDir()
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("session: failed to remove credentials", "dir", dir, "error", err)
	} else {
		slog.Info("session: credentials removed", "dir", dir)
	}

	if m.cfg.SettleDelay > 0 {
		t := time.NewTimer(m.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return StartFailed, ctx.Err()
		}
	}
	return m.Start(ctx)
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	if err := m.do(func() { s = m.snapshot() }); err != nil {
		return Snapshot{State: Disconnected, Identity: m.cfg.Identity, Network: m.cfg.Network, LastError: err.Error()}
	}
	return s
}

// ReadyClient returns the client handle if and only if the session is Ready.
func (m *Manager) ReadyClient() (channels.Client, bool) {
	var (
		c  channels.Client
		ok bool
	)
	m.do(func() {
		if m.state == Ready && m.client != nil {
			c, ok = m.client, true
		}
	})
	return c, ok
}

// Identity returns the configured identity.
func (m *Manager) Identity() access.Identity { return m.cfg.Identity }

// Close stops the owning goroutine and destroys the client, if any.
func (m *Manager) Close() {
	var stale channels.Client
	m.do(func() {
		m.reconnectToken++
		stale = m.detach()
	})
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	if stale != nil {
		m.teardown(stale)
	}
}

// handlerFor binds driver events to the handle generation that produced them.
func (m *Manager) handlerFor(gen uint64) channels.EventHandler {
	return func(ev channels.Event) {
		m.post(func() { m.handleEvent(gen, ev) })
	}
}

func (m *Manager) handleEvent(gen uint64, ev channels.Event) {
	if gen != m.gen {
		slog.Debug("session: ignoring event from stale client", "event", ev.Type)
		return
	}
	switch ev.Type {
	case channels.EventQR:
		m.setState(Initializing, "")
		if m.pairing != nil {
			m.pairing.Emit(ev.QR)
		}
		m.publish(bus.KindQRGenerated, "scan the pairing code to link this session")

	case channels.EventAuthenticated:
		m.setState(Authenticating, "")
		m.publish(bus.KindAuthenticated, "session authenticated")

	case channels.EventLoading:
		msg := fmt.Sprintf("loading %d%%", ev.Percent)
		if ev.Message != "" {
			msg += ": " + ev.Message
		}
		m.publish(bus.KindLoading, msg)

	case channels.EventReady:
		m.attempts = 0
		m.initializing = false
		m.setState(Ready, "")
		if m.pairing != nil {
			m.pairing.Clear()
		}
		m.publish(bus.KindConnected, fmt.Sprintf("session connected as %s", m.cfg.Identity))

	case channels.EventAuthFailure:
		m.initializing = false
		stale := m.detach()
		msg := "authentication failed"
		if ev.Message != "" {
			msg += ": " + ev.Message
		}
		m.setState(Failed, msg)
		m.publish(bus.KindAuthFailure, msg)
		if stale != nil {
			go m.teardown(stale)
		}

	case channels.EventDisconnected:
		m.initializing = false
		stale := m.detach()
		reason := ev.Reason
		if reason == "" {
			reason = "UNKNOWN"
		}
		m.setState(Disconnected, "")
		m.publish(bus.KindDisconnected, fmt.Sprintf("session disconnected: %s", reason))
		if reason != channels.ReasonLogout {
			m.scheduleReconnect(reason)
		}
		if stale != nil {
			go m.teardown(stale)
		}
	}
}

// scheduleReconnect arms a deferred Start if attempts remain. The timer
// re-checks its token and the state when it fires, so a Stop, a manual Start
// or a newer schedule in the meantime turns it into a no-op.
func (m *Manager) scheduleReconnect(reason string) {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		slog.Warn("session: reconnect attempts exhausted, operator action required",
			"reason", reason, "attempts", m.attempts, "max", m.cfg.MaxReconnectAttempts)
		return
	}
	m.attempts++
	m.reconnectToken++
	token := m.reconnectToken
	m.setState(Reconnecting, m.lastError)
	m.metrics.ObserveReconnect()
	slog.Info("session: reconnect scheduled", "reason", reason, "attempt", m.attempts,
		"max", m.cfg.MaxReconnectAttempts, "delay", m.cfg.ReconnectDelay)

	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		gate := func() bool {
			return token == m.reconnectToken && m.state == Reconnecting
		}
		_, err := m.start(context.Background(), gate, true)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			slog.Debug("session: reconnect dropped, manager closed")
		default:
			slog.Error("session: reconnect failed", "error", err)
		}
	})
}

// detach releases the handle and invalidates its pending events. Caller is
// the owning goroutine.
func (m *Manager) detach() channels.Client {
	c := m.client
	m.client = nil
	m.gen++
	return c
}

func (m *Manager) initFailed(err error) {
	m.initializing = false
	m.setState(Disconnected, err.Error())
	m.publish(bus.KindError, fmt.Sprintf("failed to initialize session: %v", err))
}

func (m *Manager) teardown(c channels.Client) {
	if err := c.Destroy(); err != nil {
		slog.Warn("session: failed to destroy client", "network", c.Name(), "error", err)
	}
}

func (m *Manager) setState(s State, lastError string) {
	if s != m.state {
		slog.Info("session: state change", "from", m.state.String(), "to", s.String())
	}
	m.state = s
	m.lastError = lastError
	m.updatedAt = time.Now().UTC()
	m.metrics.SetState(s.String(), StateNames())
}

func (m *Manager) publish(kind bus.Kind, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.NewEvent(kind, msg))
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		State:             m.state,
		Identity:          m.cfg.Identity,
		Network:           m.cfg.Network,
		HasClient:         m.client != nil,
		Initializing:      m.initializing,
		ReconnectAttempts: m.attempts,
		MaxReconnects:     m.cfg.MaxReconnectAttempts,
		LastError:         m.lastError,
		UpdatedAt:         m.updatedAt,
	}
}
