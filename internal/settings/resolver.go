package settings

import (
	"context"
	"log/slog"

	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
)

// Resolver merges override layers into one Effective view.
type Resolver struct {
	store    Store
	notifier notify.Notifier
}

// NewResolver creates a resolver over the given store. notifier receives
// config_error events when a persisted layer is invalid; pass
// notify.Discard to silence them.
func NewResolver(store Store, notifier notify.Notifier) *Resolver {
	return &Resolver{store: store, notifier: notifier}
}

// Resolve returns the effective settings for (accountID, instrumentID).
// Total: never fails. Layers are merged field-wise, highest priority
// first: instrument override, account global override, class baseline,
// hard defaults. An invalid multi-TP level set in a layer causes that
// layer's multi-TP fields to be skipped (falling back one layer) and a
// config_error notification; everything else in the layer still applies.
func (r *Resolver) Resolve(ctx context.Context, accountID, instrumentID string, class model.InstrumentClass) Effective {
	eff := Defaults()

	// Apply lowest priority first so higher layers overwrite.
	if layer, ok := r.lookup(ctx, "baseline", accountID, instrumentID, func() (Layer, bool, error) {
		return r.store.StaticBaseline(ctx, class)
	}); ok {
		r.applyLayer(&eff, layer, "baseline", accountID, instrumentID)
	}
	if layer, ok := r.lookup(ctx, "global", accountID, instrumentID, func() (Layer, bool, error) {
		return r.store.GlobalOverride(ctx, accountID)
	}); ok {
		r.applyLayer(&eff, layer, "global", accountID, instrumentID)
	}
	if layer, ok := r.lookup(ctx, "instrument", accountID, instrumentID, func() (Layer, bool, error) {
		return r.store.InstrumentOverride(ctx, accountID, instrumentID)
	}); ok {
		r.applyLayer(&eff, layer, "instrument", accountID, instrumentID)
	}

	return eff
}

// Invalidate drops any cached layers for accountID so the next Resolve
// reads through to the primary store. No-op over uncached stores.
func (r *Resolver) Invalidate(ctx context.Context, accountID string) {
	if inv, ok := r.store.(Invalidator); ok {
		inv.Invalidate(ctx, accountID)
	}
}

func (r *Resolver) lookup(ctx context.Context, name, accountID, instrumentID string, fn func() (Layer, bool, error)) (Layer, bool) {
	layer, ok, err := fn()
	if err != nil {
		slog.Warn("settings layer lookup failed, treating as absent",
			"layer", name, "account", accountID, "instrument", instrumentID, "err", err)
		return Layer{}, false
	}
	return layer, ok
}

func (r *Resolver) applyLayer(eff *Effective, layer Layer, name, accountID, instrumentID string) {
	if layer.StopLossPct != nil {
		eff.StopLossPct = *layer.StopLossPct
	}
	if layer.TakeProfitPct != nil {
		eff.TakeProfitPct = *layer.TakeProfitPct
	}
	if layer.SLActivationPct != nil {
		eff.SLActivationPct = *layer.SLActivationPct
	}
	if layer.TPActivationPct != nil {
		eff.TPActivationPct = *layer.TPActivationPct
	}
	if layer.MultiTPSL != nil {
		eff.MultiTPSL = *layer.MultiTPSL
	}

	// Multi-TP fields are validated as a unit. An invalid level set keeps
	// the fields from the layer below rather than aborting resolution.
	if layer.MultiTPEnabled != nil {
		if *layer.MultiTPEnabled {
			if err := ValidateLevels(layer.MultiTPLevels); err != nil {
				slog.Warn("invalid multi-TP levels, falling back a layer",
					"layer", name, "account", accountID, "instrument", instrumentID, "err", err)
				r.notifier.Notify(notify.KindConfigError, map[string]any{
					"layer":      name,
					"account":    accountID,
					"instrument": instrumentID,
					"error":      err.Error(),
				})
				return
			}
			eff.MultiTPEnabled = true
			eff.MultiTPLevels = append([]Level(nil), layer.MultiTPLevels...)
		} else {
			eff.MultiTPEnabled = false
			eff.MultiTPLevels = nil
		}
	}
}
