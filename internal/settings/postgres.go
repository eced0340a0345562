package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/model"
)

// PostgresStore implements Store over the settings tables the UI writes.
// Percentages are stored as NUMERIC; multi-TP levels as JSONB.
//
// Schema:
//
//	global_settings(account_id TEXT PRIMARY KEY, stop_loss_pct NUMERIC,
//	    take_profit_pct NUMERIC, sl_activation_pct NUMERIC,
//	    tp_activation_pct NUMERIC, multi_tp_enabled BOOLEAN,
//	    multi_tp_levels JSONB, multi_tp_sl_strategy TEXT)
//	instrument_settings(account_id TEXT, instrument_id TEXT, ...same columns,
//	    PRIMARY KEY (account_id, instrument_id))
//	baseline_settings(instrument_class TEXT PRIMARY KEY, ...same columns)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed settings store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const settingsColumns = `stop_loss_pct::TEXT, take_profit_pct::TEXT,
	sl_activation_pct::TEXT, tp_activation_pct::TEXT,
	multi_tp_enabled, multi_tp_levels, multi_tp_sl_strategy`

func (s *PostgresStore) GlobalOverride(ctx context.Context, accountID string) (Layer, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM global_settings WHERE account_id = $1`, accountID)
	return scanLayer(row, fmt.Sprintf("global settings for account %s", accountID))
}

func (s *PostgresStore) InstrumentOverride(ctx context.Context, accountID, instrumentID string) (Layer, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM instrument_settings
		 WHERE account_id = $1 AND instrument_id = $2`, accountID, instrumentID)
	return scanLayer(row, fmt.Sprintf("instrument settings for %s/%s", accountID, instrumentID))
}

func (s *PostgresStore) StaticBaseline(ctx context.Context, class model.InstrumentClass) (Layer, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM baseline_settings WHERE instrument_class = $1`, string(class))
	return scanLayer(row, fmt.Sprintf("baseline settings for class %s", class))
}

func scanLayer(row pgx.Row, what string) (Layer, bool, error) {
	var (
		slPct, tpPct, slAct, tpAct *string
		multiEnabled               *bool
		levelsJSON                 []byte
		slStrategy                 *string
	)
	err := row.Scan(&slPct, &tpPct, &slAct, &tpAct, &multiEnabled, &levelsJSON, &slStrategy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Layer{}, false, nil
	}
	if err != nil {
		return Layer{}, false, fmt.Errorf("scan %s: %w", what, err)
	}

	var layer Layer
	if layer.StopLossPct, err = parseDec(slPct); err != nil {
		return Layer{}, false, fmt.Errorf("%s stop_loss_pct: %w", what, err)
	}
	if layer.TakeProfitPct, err = parseDec(tpPct); err != nil {
		return Layer{}, false, fmt.Errorf("%s take_profit_pct: %w", what, err)
	}
	if layer.SLActivationPct, err = parseDec(slAct); err != nil {
		return Layer{}, false, fmt.Errorf("%s sl_activation_pct: %w", what, err)
	}
	if layer.TPActivationPct, err = parseDec(tpAct); err != nil {
		return Layer{}, false, fmt.Errorf("%s tp_activation_pct: %w", what, err)
	}
	layer.MultiTPEnabled = multiEnabled
	layer.MultiTPSL = slStrategy
	if len(levelsJSON) > 0 {
		if err := json.Unmarshal(levelsJSON, &layer.MultiTPLevels); err != nil {
			return Layer{}, false, fmt.Errorf("%s multi_tp_levels: %w", what, err)
		}
	}
	return layer, true, nil
}

func parseDec(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
