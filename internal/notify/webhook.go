package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookPayload is the JSON body posted to the automation webhook.
type WebhookPayload struct {
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Phone     string        `json:"phone"`
	Message   string        `json:"message"`
	Items     []PayloadItem `json:"items"`
	Totals    PayloadTotals `json:"totals"`
	Timestamp string        `json:"timestamp"`
	Source    string        `json:"source"`
	FormType  string        `json:"formType"`
}

type PayloadItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"lineTotal"`
}

type PayloadTotals struct {
	Subtotal    string `json:"subtotal"`
	GST         string `json:"gst"`
	QST         string `json:"qst"`
	DeliveryFee string `json:"deliveryFee"`
	Total       string `json:"total"`
}

// Webhook posts order events to an external automation endpoint. Any 2xx
// response is success; there are no retries.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Configured() bool {
	return w.url != ""
}

// Send posts the payload once.
func (w *Webhook) Send(ctx context.Context, payload WebhookPayload) error {
	if !w.Configured() {
		return fmt.Errorf("webhook not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
