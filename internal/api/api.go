// Package api provides the HTTP control surface: effective settings
// lookup, open positions, forced recalculation, and account switching.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/session"
	"github.com/atmx/protect-engine/internal/settings"
	"github.com/atmx/protect-engine/internal/store"
)

// Service handles control-plane requests. Event processing never goes
// through here; the stream is the only write path for positions.
type Service struct {
	manager  *session.Manager
	resolver *settings.Resolver
	meta     *broker.MetaCache
	store    store.Store
}

// NewService creates the control API over the session manager.
func NewService(m *session.Manager, resolver *settings.Resolver, meta *broker.MetaCache, st store.Store) *Service {
	return &Service{
		manager:  m,
		resolver: resolver,
		meta:     meta,
		store:    st,
	}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/settings/{accountID}/{instrumentID}", s.GetEffectiveSettings)
	r.Get("/positions/{accountID}", s.GetPositions)
	r.Get("/session", s.GetSession)
	r.Post("/recalculate", s.ForceRecalculate)
	r.Post("/account/switch", s.SwitchAccount)
}

// --- Request/Response types ---

// EffectiveSettingsResponse is the fully resolved parameter set for one
// account/instrument pair.
type EffectiveSettingsResponse struct {
	AccountID       string          `json:"account_id"`
	InstrumentID    string          `json:"instrument_id"`
	InstrumentClass string          `json:"instrument_class"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	SLActivationPct decimal.Decimal `json:"sl_activation_pct"`
	TPActivationPct decimal.Decimal `json:"tp_activation_pct"`
	MultiTPEnabled  bool            `json:"multi_tp_enabled"`
	MultiTPLevels   []LevelResponse `json:"multi_tp_levels,omitempty"`
	MultiTPSL       string          `json:"multi_tp_sl_strategy,omitempty"`
}

// LevelResponse is one take-profit ladder level.
type LevelResponse struct {
	LevelPct  decimal.Decimal `json:"level_pct"`
	VolumePct decimal.Decimal `json:"volume_pct"`
}

// PositionResponse is one open position snapshot.
type PositionResponse struct {
	InstrumentID string          `json:"instrument_id"`
	Direction    string          `json:"direction"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// SessionResponse describes the active session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
	StartedAt string `json:"started_at"`
	Frozen    bool   `json:"frozen"`
}

// SwitchAccountRequest is the JSON body for POST /account/switch.
type SwitchAccountRequest struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token,omitempty"`
}

// --- HTTP Handlers ---

// GetEffectiveSettings handles GET /api/v1/settings/{accountID}/{instrumentID}
func (s *Service) GetEffectiveSettings(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	instrumentID := chi.URLParam(r, "instrumentID")

	meta, err := s.meta.Get(r.Context(), instrumentID)
	if err != nil {
		writeError(w, "instrument not found: "+instrumentID, http.StatusNotFound)
		return
	}

	eff := s.resolver.Resolve(r.Context(), accountID, instrumentID, meta.Class)

	resp := EffectiveSettingsResponse{
		AccountID:       accountID,
		InstrumentID:    instrumentID,
		InstrumentClass: string(meta.Class),
		StopLossPct:     eff.StopLossPct,
		TakeProfitPct:   eff.TakeProfitPct,
		SLActivationPct: eff.SLActivationPct,
		TPActivationPct: eff.TPActivationPct,
		MultiTPEnabled:  eff.MultiTPEnabled,
		MultiTPSL:       eff.MultiTPSL,
	}
	for _, lvl := range eff.MultiTPLevels {
		resp.MultiTPLevels = append(resp.MultiTPLevels, LevelResponse{
			LevelPct:  lvl.LevelPct,
			VolumePct: lvl.VolumePct,
		})
	}
	writeJSON(w, resp, http.StatusOK)
}

// GetPositions handles GET /api/v1/positions/{accountID}. The active
// account is served from the live ledger; any other account falls back
// to the persisted snapshots.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var positions []model.Position
	if eng, err := s.manager.Engine(); err == nil && eng.AccountID() == accountID {
		positions = eng.Ledger().Positions()
	} else {
		var err error
		positions, err = s.store.ListPositions(r.Context(), accountID)
		if err != nil {
			slog.Error("list positions failed", "account", accountID, "err", err)
			writeError(w, "failed to load positions", http.StatusInternalServerError)
			return
		}
	}

	resp := make([]PositionResponse, 0, len(positions))
	for _, pos := range positions {
		if !pos.Open() {
			continue
		}
		resp = append(resp, PositionResponse{
			InstrumentID: pos.InstrumentID,
			Direction:    string(pos.Direction),
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
		})
	}
	writeJSON(w, resp, http.StatusOK)
}

// GetSession handles GET /api/v1/session
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Active()
	if !ok {
		writeError(w, "no active session", http.StatusNotFound)
		return
	}
	writeJSON(w, SessionResponse{
		SessionID: sess.ID,
		AccountID: sess.AccountID,
		StartedAt: sess.StartedAt.Format(time.RFC3339),
		Frozen:    sess.Frozen,
	}, http.StatusOK)
}

// ForceRecalculate handles POST /api/v1/recalculate
func (s *Service) ForceRecalculate(w http.ResponseWriter, r *http.Request) {
	eng, err := s.manager.Engine()
	if err != nil {
		writeError(w, "no active session", http.StatusConflict)
		return
	}
	// Drop cached settings first so the recalculation sees UI edits made
	// inside the cache TTL.
	s.resolver.Invalidate(r.Context(), eng.AccountID())
	if err := eng.ForceRecalculate(r.Context()); err != nil {
		writeError(w, "recalculation did not complete: "+err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, map[string]string{"status": "recalculated"}, http.StatusOK)
}

// SwitchAccount handles POST /api/v1/account/switch
func (s *Service) SwitchAccount(w http.ResponseWriter, r *http.Request) {
	var req SwitchAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	// Stale cached settings must not leak into the new session's first
	// reconciliation pass.
	s.resolver.Invalidate(r.Context(), req.AccountID)

	sess, err := s.manager.Switch(r.Context(), broker.Credentials{
		AccountID: req.AccountID,
		Token:     req.Token,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			writeError(w, "previous session did not drain", http.StatusGatewayTimeout)
			return
		}
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, SessionResponse{
		SessionID: sess.ID,
		AccountID: sess.AccountID,
		StartedAt: sess.StartedAt.Format(time.RFC3339),
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
