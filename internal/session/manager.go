// Package session manages the lifetime of one account's pipeline: the
// engine, its ledger, and the event stream. Switching accounts is a
// barrier: the old stream stops and the old engine drains before the
// new one sees a single event, so protective orders from two accounts
// never interleave.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/engine"
	"github.com/atmx/protect-engine/internal/notify"
	"github.com/atmx/protect-engine/internal/settings"
	"github.com/atmx/protect-engine/internal/store"
	"github.com/atmx/protect-engine/internal/stream"
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = errors.New("no active session")

// ErrSessionActive is returned by Activate when a session already runs;
// use Switch instead.
var ErrSessionActive = errors.New("session already active")

// Session describes one activation of an account.
type Session struct {
	ID        string
	AccountID string
	StartedAt time.Time
	Frozen    bool
}

// Manager owns the current session and performs account switches.
type Manager struct {
	broker   broker.Broker
	store    store.Store
	resolver *settings.Resolver
	notifier notify.Notifier

	mu       sync.Mutex
	session  *Session
	engine   *engine.Engine
	ingestor *stream.Ingestor
}

// NewManager wires a manager over shared infrastructure. Engines and
// ingestors are created per session.
func NewManager(b broker.Broker, st store.Store, resolver *settings.Resolver, n notify.Notifier) *Manager {
	return &Manager{
		broker:   b,
		store:    st,
		resolver: resolver,
		notifier: n,
	}
}

// Activate starts a session for creds. Fails if one is already active.
// A frozen session is torn down first: its engine still holds workers
// and a ledger, and those must close before a replacement starts.
func (m *Manager) Activate(ctx context.Context, creds broker.Credentials) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if !m.session.Frozen {
			return nil, ErrSessionActive
		}
		if err := m.stop(ctx); err != nil {
			return nil, err
		}
	}
	return m.start(ctx, creds), nil
}

// Switch tears down the current session and starts one for creds. The
// old engine drains fully first: every event already received is applied
// and its protective orders reconciled before the handover. Safe to call
// with no session active.
func (m *Manager) Switch(ctx context.Context, creds broker.Credentials) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if m.session != nil {
		previous = m.session.AccountID
		if err := m.stop(ctx); err != nil {
			return nil, err
		}
	}

	sess := m.start(ctx, creds)
	slog.Info("account switched", "from", previous, "to", creds.AccountID, "session", sess.ID)
	m.notifier.Notify(notify.KindAccountSwitched, map[string]any{
		"from":    previous,
		"to":      creds.AccountID,
		"session": sess.ID,
	})
	return sess, nil
}

// Deactivate stops the current session without starting another.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	return m.stop(ctx)
}

// Active returns the current session, or false when none runs.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Engine returns the active session's engine for read paths and forced
// recalculation.
func (m *Manager) Engine() (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return nil, ErrNoSession
	}
	return m.engine, nil
}

// start spawns the engine and ingestor for creds. Caller holds m.mu.
func (m *Manager) start(ctx context.Context, creds broker.Credentials) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		AccountID: creds.AccountID,
		StartedAt: time.Now().UTC(),
	}

	eng := engine.New(creds.AccountID, m.broker, m.store, m.resolver, m.notifier)
	ing := stream.NewIngestor(m.broker, eng, m.notifier)
	// Freeze on a separate goroutine: OnFatal fires inside the ingestor
	// loop, which Stop waits on while holding m.mu.
	ing.OnFatal = func(err error) { go m.freeze(sess.ID, err) }

	m.session = sess
	m.engine = eng
	m.ingestor = ing

	// The stream must outlive the request that started it; its lifetime
	// is bounded by stop, not by ctx.
	ing.Start(context.WithoutCancel(ctx), creds.AccountID)
	slog.Info("session started", "account", creds.AccountID, "session", sess.ID)
	return sess
}

// stop halts the stream, drains the engine, and closes it. Caller holds
// m.mu.
func (m *Manager) stop(ctx context.Context) error {
	m.ingestor.Stop()
	if err := m.engine.Drain(ctx); err != nil {
		// The stream is already stopped; restarting it here would reorder
		// events. The caller retries the switch.
		return err
	}
	m.engine.Close()

	slog.Info("session stopped", "account", m.session.AccountID, "session", m.session.ID)
	m.session = nil
	m.engine = nil
	m.ingestor = nil
	return nil
}

// freeze marks the session dead after the stream's reconnect budget is
// spent. The ledger may be stale, so event processing must not resume
// without an explicit switch.
func (m *Manager) freeze(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != sessionID {
		return
	}
	m.session.Frozen = true
	slog.Error("session frozen: event stream unrecoverable",
		"account", m.session.AccountID, "session", sessionID, "err", err)
}
