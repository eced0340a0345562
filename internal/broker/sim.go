// In-memory simulated broker. Backs the test suites and the
// no-credentials development mode: orders rest in a map, fills and
// portfolio changes are injected by hand, and failures can be staged to
// exercise retry paths.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/model"
)

// Sim implements Broker entirely in memory.
type Sim struct {
	mu         sync.Mutex
	nextID     int
	orders     map[string]model.WorkingOrder
	meta       map[string]model.InstrumentMeta
	subs       map[*simSub]struct{}
	placeFails int
	placeErr   error
}

type simSub struct {
	accountID string
	events    chan Event
	err       error
	closed    bool
}

// NewSim creates an empty simulated broker.
func NewSim() *Sim {
	return &Sim{
		orders: make(map[string]model.WorkingOrder),
		meta:   make(map[string]model.InstrumentMeta),
		subs:   make(map[*simSub]struct{}),
	}
}

// SetMeta registers instrument metadata.
func (s *Sim) SetMeta(meta model.InstrumentMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[meta.InstrumentID] = meta
}

// FailNextPlaces makes the next n PlaceOrder calls return err.
func (s *Sim) FailNextPlaces(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeFails = n
	s.placeErr = err
}

func (s *Sim) Subscribe(_ context.Context, accountID string) (*Subscription, error) {
	sub := &simSub{
		accountID: accountID,
		events:    make(chan Event, 256),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return &Subscription{
		Events: sub.events,
		Err: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return sub.err
		},
		Close: func() { s.closeSub(sub, nil) },
	}, nil
}

func (s *Sim) closeSub(sub *simSub, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	delete(s.subs, sub)
	close(sub.events)
}

// EmitExecution delivers an execution frame to subscribers of the account.
func (s *Sim) EmitExecution(ev model.ExecutionEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	s.emit(ev.AccountID, Event{Type: EventExecution, Execution: &ev})
}

// EmitPortfolio delivers a portfolio-change frame.
func (s *Sim) EmitPortfolio(pc PortfolioChange) {
	if pc.ReceivedAt.IsZero() {
		pc.ReceivedAt = time.Now().UTC()
	}
	s.emit(pc.AccountID, Event{Type: EventPortfolio, Portfolio: &pc})
}

// EmitHeartbeat delivers a heartbeat frame to every subscriber.
func (s *Sim) EmitHeartbeat() {
	s.emit("", Event{Type: EventHeartbeat})
}

func (s *Sim) emit(accountID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if accountID != "" && sub.accountID != accountID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// Slow consumer; the real gateway would disconnect it.
		}
	}
}

// DropConnections severs every live subscription with err, as a network
// partition would.
func (s *Sim) DropConnections(err error) {
	s.mu.Lock()
	subs := make([]*simSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.closeSub(sub, err)
	}
}

func (s *Sim) PlaceOrder(_ context.Context, req model.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.placeFails > 0 {
		s.placeFails--
		return "", s.placeErr
	}

	s.nextID++
	id := fmt.Sprintf("sim-%d", s.nextID)
	slot := ""
	if parsed, err := model.ParseOrderTag(req.Tag); err == nil {
		slot = parsed.Slot
	}
	s.orders[id] = model.WorkingOrder{
		OrderID:         id,
		AccountID:       req.AccountID,
		InstrumentID:    req.InstrumentID,
		Slot:            slot,
		Side:            req.Side,
		Price:           req.Price,
		Quantity:        req.Quantity,
		ActivationPrice: req.ActivationPrice,
		Status:          model.StatusNew,
		UpdatedAt:       time.Now().UTC(),
	}
	return id, nil
}

func (s *Sim) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || !order.Status.Live() {
		return ErrOrderGone
	}
	order.Status = model.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = order
	return nil
}

func (s *Sim) WorkingOrders(_ context.Context, accountID string) ([]model.WorkingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []model.WorkingOrder
	for _, order := range s.orders {
		if order.AccountID == accountID {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (s *Sim) InstrumentMetadata(_ context.Context, instrumentID string) (model.InstrumentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.meta[instrumentID]; ok {
		return meta, nil
	}
	// Unregistered instruments get permissive defaults so dev mode works
	// without fixtures.
	return model.InstrumentMeta{
		InstrumentID: instrumentID,
		Class:        model.Equity,
		PriceStep:    decimal.New(1, -2), // 0.01
		LotSize:      1,
	}, nil
}

// LiveOrders returns the live working orders for assertions in tests.
func (s *Sim) LiveOrders(accountID string) []model.WorkingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []model.WorkingOrder
	for _, order := range s.orders {
		if order.AccountID == accountID && order.Status.Live() {
			orders = append(orders, order)
		}
	}
	return orders
}

// MarkFilled flips a working order's status, as the broker does when a
// protective order executes.
func (s *Sim) MarkFilled(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderID]; ok {
		order.Status = model.StatusFilled
		order.UpdatedAt = time.Now().UTC()
		s.orders[orderID] = order
	}
}
