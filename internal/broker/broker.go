// Package broker defines the capability boundary to the brokerage. The
// engine depends only on this interface; any broker integration can be
// substituted behind it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/protect-engine/internal/model"
)

// ErrOrderGone is returned by CancelOrder when the broker reports the
// order already filled or removed. Callers treat it as a successful
// cancel.
var ErrOrderGone = errors.New("broker: order already filled or gone")

// EventType discriminates stream frames.
type EventType string

const (
	EventExecution EventType = "execution"
	EventPortfolio EventType = "portfolio"
	EventHeartbeat EventType = "heartbeat"
)

// PortfolioChange is the broker's own view of a position, delivered on the
// portfolio stream. Used for discrepancy detection only; it never mutates
// the ledger.
type PortfolioChange struct {
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Direction    model.Direction `json:"direction"`
	Quantity     int64           `json:"quantity"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Event is one frame from the broker stream.
type Event struct {
	Type      EventType
	Execution *model.ExecutionEvent
	Portfolio *PortfolioChange
}

// Subscription is one live stream connection. Events closes when the
// connection is lost; clients reconnect by calling Subscribe again.
type Subscription struct {
	// Events delivers frames in arrival order.
	Events <-chan Event

	// Err returns the terminal connection error after Events closes, or
	// nil after Close.
	Err func() error

	// Close tears the connection down.
	Close func()
}

// Broker is the brokerage capability the engine consumes.
type Broker interface {
	// Subscribe opens one execution/portfolio stream for the account.
	Subscribe(ctx context.Context, accountID string) (*Subscription, error)

	// PlaceOrder submits a protective order and returns the broker's
	// order ID.
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)

	// CancelOrder cancels a working order. Returns ErrOrderGone when the
	// order was already filled or removed.
	CancelOrder(ctx context.Context, orderID string) error

	// WorkingOrders returns the broker's current working orders for the
	// account, tagged slots resolved where recognized.
	WorkingOrders(ctx context.Context, accountID string) ([]model.WorkingOrder, error)

	// InstrumentMetadata returns lot size, price step, and class.
	InstrumentMetadata(ctx context.Context, instrumentID string) (model.InstrumentMeta, error)
}

// Credentials identify and authenticate one brokerage account.
type Credentials struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token,omitempty"`
}
