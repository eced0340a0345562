// Package stream owns the lifetime of the broker event subscription:
// reconnecting with exponential backoff when it drops, watching for
// silent-death via heartbeats, and handing decoded events to the engine.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
)

const (
	defaultMaxAttempts    = 100
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 5 * time.Minute
	defaultSilenceLimit   = 5 * time.Minute
	defaultWatchdogPeriod = time.Minute
)

// Handler receives the events the ingestor decodes. Implementations must
// be safe for calls from the ingestor goroutine.
type Handler interface {
	HandleExecution(ev model.ExecutionEvent)
	HandlePortfolio(pc broker.PortfolioChange)
}

// Ingestor runs one subscription for one account and keeps it alive.
type Ingestor struct {
	broker   broker.Broker
	handler  Handler
	notifier notify.Notifier

	// MaxAttempts bounds consecutive failed reconnects before the stream
	// is declared dead and OnFatal fires.
	MaxAttempts int

	// SilenceLimit is how long the stream may go without any frame before
	// the watchdog forces a reconnect.
	SilenceLimit time.Duration

	// WatchdogPeriod is how often silence is checked.
	WatchdogPeriod time.Duration

	// OnFatal is called once when the reconnect budget is exhausted.
	OnFatal func(err error)

	backoff *Backoff

	mu        sync.Mutex
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
	lastFrame time.Time
}

// NewIngestor wires an ingestor with default reconnect policy.
func NewIngestor(b broker.Broker, h Handler, n notify.Notifier) *Ingestor {
	return &Ingestor{
		broker:         b,
		handler:        h,
		notifier:       n,
		MaxAttempts:    defaultMaxAttempts,
		SilenceLimit:   defaultSilenceLimit,
		WatchdogPeriod: defaultWatchdogPeriod,
		backoff:        NewBackoff(defaultBackoffBase, defaultBackoffMax),
	}
}

// Start begins streaming events for accountID until Stop or a fatal
// failure. Calling Start while running restarts on the new account.
func (in *Ingestor) Start(ctx context.Context, accountID string) {
	in.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	in.mu.Lock()
	in.accountID = accountID
	in.cancel = cancel
	in.done = done
	in.lastFrame = time.Now()
	in.backoff.Reset()
	in.mu.Unlock()

	go in.run(runCtx, accountID, done)
}

// Stop tears down the subscription and waits for the loop to exit. Safe
// to call when not running.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.cancel, in.done = nil, nil
	in.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (in *Ingestor) run(ctx context.Context, accountID string, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := in.broker.Subscribe(ctx, accountID)
		if err != nil {
			if !in.delay(ctx, accountID, err) {
				return
			}
			continue
		}

		connErr := in.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		slog.Warn("event stream dropped", "account", accountID, "err", connErr)
		if !in.delay(ctx, accountID, connErr) {
			return
		}
	}
}

// delay sleeps for the next backoff interval. Returns false when the
// attempt budget is spent or the context ended.
func (in *Ingestor) delay(ctx context.Context, accountID string, cause error) bool {
	in.mu.Lock()
	if in.backoff.Attempts() >= in.MaxAttempts {
		in.mu.Unlock()
		slog.Error("event stream reconnect budget exhausted",
			"account", accountID, "attempts", in.MaxAttempts, "err", cause)
		in.notifier.Notify(notify.KindConnectivityLost, map[string]any{
			"account":  accountID,
			"attempts": in.MaxAttempts,
		})
		if in.OnFatal != nil {
			in.OnFatal(cause)
		}
		return false
	}
	wait := in.backoff.Next()
	attempt := in.backoff.Attempts()
	in.mu.Unlock()

	metrics.StreamReconnects.Inc()
	slog.Info("reconnecting event stream",
		"account", accountID, "attempt", attempt, "wait", wait)

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume drains one subscription until it closes or the watchdog trips.
// Returns the terminal error.
func (in *Ingestor) consume(ctx context.Context, sub *broker.Subscription) error {
	in.touch()

	watchdog := time.NewTicker(in.WatchdogPeriod)
	defer watchdog.Stop()

	connected := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			if in.silentFor() > in.SilenceLimit {
				slog.Warn("event stream silent past limit", "limit", in.SilenceLimit)
				return errStreamSilent
			}

		case ev, ok := <-sub.Events:
			if !ok {
				return sub.Err()
			}
			if !connected {
				// First frame proves the connection is healthy; only now
				// does the retry budget reset.
				connected = true
				in.mu.Lock()
				restored := in.backoff.Attempts() > 0
				in.backoff.Reset()
				in.mu.Unlock()
				if restored {
					in.notifier.Notify(notify.KindStreamRestarted, map[string]any{
						"account": in.account(),
					})
				}
			}
			in.touch()
			in.dispatch(ev)
		}
	}
}

func (in *Ingestor) dispatch(ev broker.Event) {
	switch ev.Type {
	case broker.EventExecution:
		if ev.Execution != nil {
			in.handler.HandleExecution(*ev.Execution)
		}
	case broker.EventPortfolio:
		if ev.Portfolio != nil {
			in.handler.HandlePortfolio(*ev.Portfolio)
		}
	case broker.EventHeartbeat:
		// Heartbeats only feed the watchdog.
	}
}

func (in *Ingestor) touch() {
	in.mu.Lock()
	in.lastFrame = time.Now()
	in.mu.Unlock()
}

func (in *Ingestor) silentFor() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return time.Since(in.lastFrame)
}

func (in *Ingestor) account() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.accountID
}

var errStreamSilent = &silentError{}

type silentError struct{}

func (*silentError) Error() string { return "stream silent past heartbeat limit" }
