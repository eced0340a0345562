// Package model defines the core domain types shared across the protect engine.
// All prices and percentages use shopspring/decimal — never float64 for money.
// Quantities are whole units, lot-quantized, and therefore int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// Side of an execution or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus mirrors the broker's order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Live reports whether an order in this status still occupies its slot.
// CANCELLED/FILLED/REJECTED orders are treated as absent even when the
// broker's view still lists them (eventual consistency after a cancel).
func (s OrderStatus) Live() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// InstrumentClass partitions instruments for baseline risk settings.
type InstrumentClass string

const (
	Equity     InstrumentClass = "EQUITY"
	Derivative InstrumentClass = "DERIVATIVE"
)

// Position is the authoritative state of one open position, identified by
// (account_id, instrument_id). Owned exclusively by the ledger; everyone
// else reads value-copy snapshots.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Direction    Direction       `json:"direction" db:"direction"`
	Quantity     int64           `json:"quantity" db:"quantity"`           // units, always >= 0
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // defined only when Quantity > 0
	LastExecID   string          `json:"last_exec_id" db:"last_exec_id"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Open reports whether the position has exposure.
func (p Position) Open() bool { return p.Quantity > 0 && p.Direction != Flat }

// ExecutionEvent is one immutable trade-execution record from the stream.
type ExecutionEvent struct {
	ExecutionID  string          `json:"execution_id"`
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	FillQuantity int64           `json:"fill_quantity"` // always > 0
	SequenceHint int64           `json:"sequence_hint"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// ProtectiveOrderSpec is one desired protective order. The full desired set
// for a position maps slot → spec; an absent slot means "no working order".
type ProtectiveOrderSpec struct {
	Slot            string          `json:"slot"` // "SL", "TP", "TP_1", ...
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	ActivationPrice decimal.Decimal `json:"activation_price,omitempty"` // zero when unused
}

// WorkingOrder is the cached view of one broker-side order. The broker is
// the source of truth; this is refreshed from stream/API responses.
type WorkingOrder struct {
	OrderID         string          `json:"order_id" db:"order_id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	InstrumentID    string          `json:"instrument_id" db:"instrument_id"`
	Slot            string          `json:"slot" db:"slot"` // empty when the order carries no recognized tag
	Side            Side            `json:"side" db:"side"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	ActivationPrice decimal.Decimal `json:"activation_price,omitempty" db:"activation_price"` // zero when unused
	Status          OrderStatus     `json:"status" db:"status"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderRequest is what the engine hands the broker to place one
// protective order.
type OrderRequest struct {
	AccountID       string          `json:"account_id"`
	InstrumentID    string          `json:"instrument_id"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int64           `json:"quantity"`
	ActivationPrice decimal.Decimal `json:"activation_price,omitempty"`
	Tag             string          `json:"tag"` // slot tag, see slot.go
}

// InstrumentMeta is the broker-provided instrument metadata the risk
// calculator needs for quantization.
type InstrumentMeta struct {
	InstrumentID string          `json:"instrument_id"`
	Class        InstrumentClass `json:"class"`
	PriceStep    decimal.Decimal `json:"price_step"`
	LotSize      int64           `json:"lot_size"`
}
