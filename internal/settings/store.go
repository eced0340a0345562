package settings

import (
	"context"

	"github.com/atmx/protect-engine/internal/model"
)

// Store provides the persisted override layers. Each lookup returns the
// layer, whether it exists, and a transport error. A transport error is
// treated by the resolver the same as "absent" (resolution is total), but
// is logged by the caller.
type Store interface {
	// GlobalOverride returns the per-account override layer.
	GlobalOverride(ctx context.Context, accountID string) (Layer, bool, error)

	// InstrumentOverride returns the per-account-instrument override layer.
	InstrumentOverride(ctx context.Context, accountID, instrumentID string) (Layer, bool, error)

	// StaticBaseline returns the baseline layer for an instrument class.
	StaticBaseline(ctx context.Context, class model.InstrumentClass) (Layer, bool, error)
}

// Invalidator is implemented by stores that cache layers. Invalidation is
// best effort: a stale entry expires with the TTL anyway.
type Invalidator interface {
	// Invalidate drops cached layers for an account.
	Invalidate(ctx context.Context, accountID string)
}

// Overlay serves overrides from one store and the static baseline from
// another. Production wiring reads overrides from PostgreSQL while the
// baseline comes from the YAML file loaded into a MemoryStore.
type Overlay struct {
	Overrides Store
	Baseline  Store
}

func (o Overlay) GlobalOverride(ctx context.Context, accountID string) (Layer, bool, error) {
	return o.Overrides.GlobalOverride(ctx, accountID)
}

func (o Overlay) InstrumentOverride(ctx context.Context, accountID, instrumentID string) (Layer, bool, error) {
	return o.Overrides.InstrumentOverride(ctx, accountID, instrumentID)
}

func (o Overlay) StaticBaseline(ctx context.Context, class model.InstrumentClass) (Layer, bool, error) {
	return o.Baseline.StaticBaseline(ctx, class)
}

// Invalidate forwards to the override store when it caches. The baseline
// is loaded once at startup and never invalidated.
func (o Overlay) Invalidate(ctx context.Context, accountID string) {
	if inv, ok := o.Overrides.(Invalidator); ok {
		inv.Invalidate(ctx, accountID)
	}
}
