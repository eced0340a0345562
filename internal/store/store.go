// Package store defines the persistence interface for position and order
// snapshots. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// Persistence exists for crash recovery and inspection only; the ledger
// and reconciler always prefer live state over persisted state.
package store

import (
	"context"

	"github.com/atmx/protect-engine/internal/model"
)

// Store is the position/order persistence capability.
type Store interface {
	// UpsertPosition writes a position snapshot.
	UpsertPosition(ctx context.Context, pos model.Position) error

	// DeletePosition removes a closed position's snapshot.
	DeletePosition(ctx context.Context, accountID, instrumentID string) error

	// ListPositions returns persisted snapshots for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// UpsertWorkingOrder writes a working-order record.
	UpsertWorkingOrder(ctx context.Context, order model.WorkingOrder) error

	// ListWorkingOrders returns persisted working orders for an account.
	ListWorkingOrders(ctx context.Context, accountID string) ([]model.WorkingOrder, error)
}
