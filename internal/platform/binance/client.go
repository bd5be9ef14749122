// Package binance is the REST and user-data-stream client for the Binance
// spot API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

const (
	// recvWindowMillis is sent with every signed request; the exchange
	// rejects requests whose timestamp drifts outside this window.
	recvWindowMillis = 15000

	// orderCountHeader carries the account's order count in the current
	// 10-second window. The trader uses it to trip the rate-limit breaker.
	orderCountHeader = "x-mbx-order-count-10s"
)

// ClientConfig holds REST connection parameters.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the signed REST client for the Binance spot API.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a new Binance REST client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PlaceOrder submits a new order and returns the resulting snapshot plus the
// account's order count in the current 10-second window, taken from the
// response headers. A zero count means the header was absent.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, int, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("newOrderRespType", "FULL")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Quantity > 0 {
		params.Set("quantity", formatFloat(req.Quantity))
	}
	if req.QuoteOrderQty > 0 {
		params.Set("quoteOrderQty", formatFloat(req.QuoteOrderQty))
	}
	if req.Type == domain.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}

	body, header, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return domain.Order{}, orderCount(header), fmt.Errorf("binance: place order %s %s: %w", req.Side, req.Symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, orderCount(header), fmt.Errorf("binance: decode order response: %w", err)
	}
	return resp.toOrder(), orderCount(header), nil
}

// GetOrder fetches the current state of an order from the exchange. This is
// the authoritative read used by reconciliation.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, _, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: get order %s/%d: %w", symbol, orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return resp.toOrder(), nil
}

// CancelOrder cancels an open order and returns its final snapshot.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, _, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: cancel order %s/%d: %w", symbol, orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("binance: decode cancel response: %w", err)
	}
	return resp.toOrder(), nil
}

// GetBalances fetches the account's spot balances.
func (c *Client) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	body, _, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance: get account: %w", err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}

	balances := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		balances = append(balances, domain.Balance{
			Asset:  b.Asset,
			Free:   b.Free,
			Locked: b.Locked,
		})
	}
	return balances, nil
}

// CreateListenKey opens a user data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, _, err := c.keyedRequest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{})
	if err != nil {
		return "", fmt.Errorf("binance: create listen key: %w", err)
	}

	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's validity. The exchange expires
// idle keys after an hour, so this is called roughly every 30 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)

	_, _, err := c.keyedRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params)
	if err != nil {
		return fmt.Errorf("binance: keepalive listen key: %w", err)
	}
	return nil
}

// signedRequest sends an HMAC-signed request. Parameters travel in the query
// string for every method; the signature covers the full encoded query.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, http.Header, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMillis))

	query := params.Encode()
	query += "&signature=" + c.sign(query)

	return c.do(ctx, method, path, query)
}

// keyedRequest sends a request authenticated by API key alone, the scheme
// used by the user-data-stream endpoints.
func (c *Client) keyedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, http.Header, error) {
	return c.do(ctx, method, path, params.Encode())
}

func (c *Client) do(ctx context.Context, method, path, query string) ([]byte, http.Header, error) {
	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Msg = string(body)
		}
		return nil, resp.Header, apiErr
	}

	return body, resp.Header, nil
}

// sign computes the hex-encoded HMAC-SHA256 of the query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func orderCount(header http.Header) int {
	if header == nil {
		return 0
	}
	n, _ := strconv.Atoi(header.Get(orderCountHeader))
	return n
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
