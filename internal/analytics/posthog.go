// Package analytics records conversion events with PostHog. Capture is fire
// and forget: failures are logged at debug level and otherwise ignored.
package analytics

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/dukerupert/orderledger/internal/model"
)

const (
	defaultHost   = "https://us.i.posthog.com"
	eventPurchase = "purchase"
)

type Client struct {
	apiKey     string
	host       string
	currency   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(apiKey, host, currency string, logger *slog.Logger, opts ...Option) *Client {
	if host == "" {
		host = defaultHost
	}
	if currency == "" {
		currency = "CAD"
	}
	c := &Client{
		apiKey:     apiKey,
		host:       strings.TrimRight(host, "/"),
		currency:   currency,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type captureItem struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
}

type captureEvent struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  string         `json:"timestamp"`
}

// DistinctID identifies the purchaser. Signed-in customers use their user id;
// guests are keyed by a hash of their email so the address is never sent.
func DistinctID(userID, email string) string {
	if userID != "" {
		return userID
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "anonymous"
	}
	sum := blake2b.Sum256([]byte(email))
	return "guest_" + hex.EncodeToString(sum[:16])
}

// TrackPurchase sends a purchase event for the order. It reports whether the
// event was accepted; callers are free to ignore the result.
func (c *Client) TrackPurchase(ctx context.Context, distinctID string, order model.Order) bool {
	if !c.Configured() {
		return false
	}
	if err := c.capture(ctx, distinctID, order); err != nil {
		c.logger.Debug("analytics capture failed", "order_id", order.ID, "error", err)
		return false
	}
	return true
}

func (c *Client) capture(ctx context.Context, distinctID string, order model.Order) error {
	items := make([]captureItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, captureItem{
			ItemID:   it.ProductID,
			ItemName: it.Name,
			Price:    it.Price.StringFixed(2),
			Quantity: it.Quantity,
		})
	}

	value, _ := order.Total.Float64()
	event := captureEvent{
		APIKey:     c.apiKey,
		Event:      eventPurchase,
		DistinctID: distinctID,
		Properties: map[string]any{
			"transaction_id": order.ID,
			"value":          value,
			"currency":       c.currency,
			"items":          items,
			"synthetic":      order.Synthetic,
			"$insert_id":     uuid.NewString(),
		},
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.host+"/capture/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("posthog returned status %d", resp.StatusCode)
	}
	return nil
}
