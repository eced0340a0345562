package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, pos model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (account_id, instrument_id, direction, quantity, average_price, last_exec_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (account_id, instrument_id) DO UPDATE SET
		     direction = EXCLUDED.direction,
		     quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     last_exec_id = EXCLUDED.last_exec_id,
		     updated_at = EXCLUDED.updated_at`,
		pos.AccountID, pos.InstrumentID, string(pos.Direction),
		pos.Quantity, pos.AveragePrice.String(), pos.LastExecID, pos.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, accountID, instrumentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, instrument_id, direction, quantity,
		        average_price::TEXT, last_exec_id, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var (
			pos       model.Position
			direction string
			avgPrice  string
		)
		if err := rows.Scan(&pos.AccountID, &pos.InstrumentID, &direction,
			&pos.Quantity, &avgPrice, &pos.LastExecID, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		pos.Direction = model.Direction(direction)
		pos.AveragePrice, err = decimal.NewFromString(avgPrice)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s bad average_price: %w",
				pos.AccountID, pos.InstrumentID, err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertWorkingOrder(ctx context.Context, order model.WorkingOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO working_orders (order_id, account_id, instrument_id, slot, side, price, quantity, activation_price, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10)
		 ON CONFLICT (order_id) DO UPDATE SET
		     slot = EXCLUDED.slot,
		     side = EXCLUDED.side,
		     price = EXCLUDED.price,
		     quantity = EXCLUDED.quantity,
		     activation_price = EXCLUDED.activation_price,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		order.OrderID, order.AccountID, order.InstrumentID, order.Slot,
		string(order.Side), order.Price.String(), order.Quantity,
		order.ActivationPrice.String(), string(order.Status), order.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListWorkingOrders(ctx context.Context, accountID string) ([]model.WorkingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, account_id, instrument_id, slot, side,
		        price::TEXT, quantity, activation_price::TEXT, status, updated_at
		 FROM working_orders WHERE account_id = $1 ORDER BY updated_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.WorkingOrder
	for rows.Next() {
		var (
			order      model.WorkingOrder
			side       string
			price      string
			activation string
			status     string
		)
		if err := rows.Scan(&order.OrderID, &order.AccountID, &order.InstrumentID,
			&order.Slot, &side, &price, &order.Quantity, &activation, &status, &order.UpdatedAt); err != nil {
			return nil, err
		}
		order.Side = model.Side(side)
		order.Status = model.OrderStatus(status)
		order.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("order %s bad price: %w", order.OrderID, err)
		}
		order.ActivationPrice, err = decimal.NewFromString(activation)
		if err != nil {
			return nil, fmt.Errorf("order %s bad activation price: %w", order.OrderID, err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
