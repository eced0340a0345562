// WebSocket + REST client for the brokerage gateway. The stream carries
// execution, portfolio, and heartbeat frames as JSON; order management and
// metadata go over the REST surface with bearer auth.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/model"
)

// Client talks to the brokerage gateway. BaseURL is the REST endpoint,
// StreamURL the websocket endpoint (ws:// or wss://).
type Client struct {
	BaseURL   string
	StreamURL string
	Token     string
	HTTP      *http.Client

	// ReadTimeout bounds silence on the stream before the read fails and
	// the subscription closes.
	ReadTimeout time.Duration
}

// NewClient creates a gateway client with sane defaults.
func NewClient(baseURL, streamURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		StreamURL:   streamURL,
		Token:       token,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		ReadTimeout: 90 * time.Second,
	}
}

// --- Wire formats ---

type wireFrame struct {
	Type      string         `json:"type"`
	Execution *wireExecution `json:"execution,omitempty"`
	Portfolio *wirePortfolio `json:"portfolio,omitempty"`
}

type wireExecution struct {
	ExecutionID  string `json:"execution_id"`
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`
	FillPrice    string `json:"fill_price"`
	FillQuantity int64  `json:"fill_quantity"`
	Sequence     int64  `json:"sequence"`
}

type wirePortfolio struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Direction    string `json:"direction"`
	Quantity     int64  `json:"quantity"`
}

type wireOrder struct {
	OrderID         string `json:"order_id"`
	AccountID       string `json:"account_id"`
	InstrumentID    string `json:"instrument_id"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Quantity        int64  `json:"quantity"`
	ActivationPrice string `json:"activation_price"` // empty for plain limit orders
	Status          string `json:"status"`
	Tag             string `json:"tag"`
}

// --- Streaming ---

// Subscribe opens the execution/portfolio stream for one account. The
// returned subscription's Events channel closes when the connection drops;
// reconnecting is the caller's job (the stream ingestor).
func (c *Client) Subscribe(ctx context.Context, accountID string) (*Subscription, error) {
	u, err := url.Parse(c.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("broker: bad stream url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream"
	q := u.Query()
	q.Set("account_id", accountID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", u.Host, err)
	}

	events := make(chan Event, 64)
	var (
		errMu   sync.Mutex
		termErr error
	)
	setErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if termErr == nil {
			termErr = err
		}
	}

	readTimeout := c.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 90 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Close on ctx cancellation so the read loop unblocks.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			setErr(ctx.Err())
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				setErr(err)
				return
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))

			ev, ok := parseFrame(raw, accountID)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				setErr(ctx.Err())
				return
			}
		}
	}()

	return &Subscription{
		Events: events,
		Err: func() error {
			errMu.Lock()
			defer errMu.Unlock()
			return termErr
		},
		Close: func() { conn.Close() },
	}, nil
}

// parseFrame decodes one stream frame. Malformed frames are dropped and
// logged; they are not re-deliverable, so there is nothing to retry.
func parseFrame(raw []byte, accountID string) (Event, bool) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("dropping malformed stream frame", "err", err, "frame", trimForLog(raw))
		metrics.ExecutionsInvalid.Inc()
		return Event{}, false
	}

	switch frame.Type {
	case "heartbeat", "ping":
		return Event{Type: EventHeartbeat}, true

	case "execution":
		if frame.Execution == nil {
			return Event{}, false
		}
		w := frame.Execution
		price, err := decimal.NewFromString(w.FillPrice)
		if err != nil || w.ExecutionID == "" || w.InstrumentID == "" {
			slog.Warn("dropping invalid execution frame",
				"execution", w.ExecutionID, "instrument", w.InstrumentID, "err", err)
			metrics.ExecutionsInvalid.Inc()
			return Event{}, false
		}
		acct := w.AccountID
		if acct == "" {
			acct = accountID
		}
		return Event{
			Type: EventExecution,
			Execution: &model.ExecutionEvent{
				ExecutionID:  w.ExecutionID,
				AccountID:    acct,
				InstrumentID: w.InstrumentID,
				Side:         model.Side(w.Side),
				FillPrice:    price,
				FillQuantity: w.FillQuantity,
				SequenceHint: w.Sequence,
				ReceivedAt:   time.Now().UTC(),
			},
		}, true

	case "portfolio":
		if frame.Portfolio == nil {
			return Event{}, false
		}
		w := frame.Portfolio
		acct := w.AccountID
		if acct == "" {
			acct = accountID
		}
		return Event{
			Type: EventPortfolio,
			Portfolio: &PortfolioChange{
				AccountID:    acct,
				InstrumentID: w.InstrumentID,
				Direction:    model.Direction(w.Direction),
				Quantity:     w.Quantity,
				ReceivedAt:   time.Now().UTC(),
			},
		}, true

	default:
		// Subscription acks and other frame types are ignorable.
		return Event{}, false
	}
}

// --- REST order management ---

func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	body := map[string]any{
		// Fresh key per call: a retried place after an ambiguous failure
		// is a new submission, never a silent duplicate fill.
		"client_key":    uuid.NewString(),
		"account_id":    req.AccountID,
		"instrument_id": req.InstrumentID,
		"side":          string(req.Side),
		"price":         req.Price.String(),
		"quantity":      req.Quantity,
		"tag":           req.Tag,
	}
	if !req.ActivationPrice.IsZero() {
		body["activation_price"] = req.ActivationPrice.String()
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errors.New("broker: place order returned no order id")
	}
	return resp.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
	var httpErr *httpError
	if errors.As(err, &httpErr) && (httpErr.status == http.StatusNotFound || httpErr.status == http.StatusConflict) {
		// Already filled or removed broker-side.
		return ErrOrderGone
	}
	return err
}

func (c *Client) WorkingOrders(ctx context.Context, accountID string) ([]model.WorkingOrder, error) {
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/orders"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	orders := make([]model.WorkingOrder, 0, len(resp.Orders))
	for _, w := range resp.Orders {
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			slog.Warn("skipping working order with bad price", "order", w.OrderID, "price", w.Price)
			continue
		}
		var activation decimal.Decimal
		if w.ActivationPrice != "" {
			if activation, err = decimal.NewFromString(w.ActivationPrice); err != nil {
				slog.Warn("skipping working order with bad activation price",
					"order", w.OrderID, "activation_price", w.ActivationPrice)
				continue
			}
		}
		slot := ""
		if parsed, err := model.ParseOrderTag(w.Tag); err == nil {
			slot = parsed.Slot
		}
		orders = append(orders, model.WorkingOrder{
			OrderID:         w.OrderID,
			AccountID:       w.AccountID,
			InstrumentID:    w.InstrumentID,
			Slot:            slot,
			Side:            model.Side(w.Side),
			Price:           price,
			Quantity:        w.Quantity,
			ActivationPrice: activation,
			Status:          model.OrderStatus(w.Status),
			UpdatedAt:       time.Now().UTC(),
		})
	}
	return orders, nil
}

func (c *Client) InstrumentMetadata(ctx context.Context, instrumentID string) (model.InstrumentMeta, error) {
	var resp struct {
		InstrumentID string `json:"instrument_id"`
		Class        string `json:"class"`
		PriceStep    string `json:"price_step"`
		LotSize      int64  `json:"lot_size"`
	}
	path := "/v1/instruments/" + url.PathEscape(instrumentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return model.InstrumentMeta{}, err
	}
	step, err := decimal.NewFromString(resp.PriceStep)
	if err != nil {
		return model.InstrumentMeta{}, fmt.Errorf("broker: instrument %s bad price_step %q", instrumentID, resp.PriceStep)
	}
	return model.InstrumentMeta{
		InstrumentID: instrumentID,
		Class:        model.InstrumentClass(resp.Class),
		PriceStep:    step,
		LotSize:      resp.LotSize,
	}, nil
}

// --- HTTP plumbing ---

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("broker: http %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func trimForLog(b []byte) string {
	const n = 200
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
