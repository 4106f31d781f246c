package razorpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/billing"
)

const (
	apiBaseURL         = "https://api.razorpay.com/v1"
	defaultHTTPTimeout = 10 * time.Second
)

// Client implements billing.Gateway over the gateway's REST API using
// basic auth with the key ID and secret.
type Client struct {
	// BaseURL may be overridden before first use (tests point it at a
	// local server).
	BaseURL string

	keyID      string
	keySecret  string
	httpClient *http.Client
	metrics    billing.Metrics
}

// NewClient creates a gateway API client from the billing configuration.
func NewClient(config billing.Config) (*Client, error) {
	if config.KeyID == "" || config.KeySecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Client{
		BaseURL:    apiBaseURL,
		keyID:      config.KeyID,
		keySecret:  config.KeySecret,
		httpClient: httpClient,
		metrics:    metrics,
	}, nil
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return providerName
}

// paymentEntity mirrors the gateway's payment resource.
type paymentEntity struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Email     string `json:"email"`
	Contact   string `json:"contact"`
	CreatedAt int64  `json:"created_at"`
}

// orderEntity mirrors the gateway's order resource.
type orderEntity struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes"`
}

// FetchPayment implements billing.Gateway.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*billing.Payment, error) {
	var entity paymentEntity
	if err := c.get(ctx, "/payments/"+paymentID, &entity); err != nil {
		return nil, err
	}
	return &billing.Payment{
		ID:        entity.ID,
		OrderID:   entity.OrderID,
		Amount:    entity.Amount,
		Currency:  entity.Currency,
		Status:    entity.Status,
		Email:     entity.Email,
		Contact:   entity.Contact,
		CreatedAt: time.Unix(entity.CreatedAt, 0).UTC(),
	}, nil
}

// FetchOrder implements billing.Gateway.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*billing.Order, error) {
	var entity orderEntity
	if err := c.get(ctx, "/orders/"+orderID, &entity); err != nil {
		return nil, err
	}
	return &billing.Order{
		ID:       entity.ID,
		Amount:   entity.Amount,
		Currency: entity.Currency,
		Status:   entity.Status,
		Receipt:  entity.Receipt,
		Notes:    entity.Notes,
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGatewayCall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %v", billing.ErrGatewayUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.metrics.RecordGatewayCall(providerName, endpoint, strconv.Itoa(resp.StatusCode))
	c.metrics.RecordGatewayCallDuration(providerName, endpoint, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: gateway has no record for %s", billing.ErrMetadataMissing, endpoint)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gateway returned %d", billing.ErrGatewayUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("gateway returned %d for %s", resp.StatusCode, endpoint)
	}
}
