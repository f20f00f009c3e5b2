package docstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/shopspring/decimal"
)

// mockS3Client implements objectGetter for testing.
type mockS3Client struct {
	objects map[string]string
	getErr  error
	keys    []string
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.keys = append(m.keys, *input.Key)
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(data))}, nil
}

func newTestReader(client objectGetter) *Reader {
	r := NewReader(Config{Bucket: "orders"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.client = client
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

const orderDoc = `{
	"id": "ord_123",
	"subtotal": "40.00",
	"gst": "2.00",
	"qst": "3.99",
	"delivery_fee": "5.00",
	"total": 50.99,
	"items": [
		{"product_id": "p1", "name": "Poutine", "price": "12.50", "quantity": 2},
		{"product_id": "p2", "name": "Salade", "price": "15.00", "quantity": 1}
	],
	"customer_name": "Marie",
	"customer_email": "marie@example.com",
	"status": "paid",
	"delivery_type": "delivery",
	"created_at": "2026-02-28T18:30:00Z"
}`

func TestFetchOrder(t *testing.T) {
	client := &mockS3Client{objects: map[string]string{"orders/ord_123.json": orderDoc}}
	r := newTestReader(client)

	order := r.FetchOrder(context.Background(), "ord_123")
	if order.Synthetic {
		t.Fatal("expected canonical order, got fallback")
	}
	if order.ID != "ord_123" {
		t.Errorf("id = %q, want %q", order.ID, "ord_123")
	}
	if !order.Total.Equal(decimal.RequireFromString("50.99")) {
		t.Errorf("total = %s, want 50.99", order.Total)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if order.Items[0].Quantity != 2 {
		t.Errorf("items[0].quantity = %d, want 2", order.Items[0].Quantity)
	}
	if order.PointsValue() != 50 {
		t.Errorf("points value = %d, want 50", order.PointsValue())
	}
	if client.keys[0] != "orders/ord_123.json" {
		t.Errorf("key = %q, want %q", client.keys[0], "orders/ord_123.json")
	}
}

func TestFetchOrderMissingUsesFallback(t *testing.T) {
	r := newTestReader(&mockS3Client{objects: map[string]string{}})

	order := r.FetchOrder(context.Background(), "cash_42")
	if !order.Synthetic {
		t.Fatal("expected fallback order")
	}
	if order.ID != "cash_42" {
		t.Errorf("id = %q, want %q", order.ID, "cash_42")
	}
	if !order.Total.Equal(decimal.RequireFromString("34.5")) {
		t.Errorf("total = %s, want 34.5", order.Total)
	}
	if len(order.Items) != 1 {
		t.Errorf("expected exactly 1 item, got %d", len(order.Items))
	}
	if order.Status != "completed" {
		t.Errorf("status = %q, want %q", order.Status, "completed")
	}
}

func TestFetchOrderStoreErrorUsesFallback(t *testing.T) {
	r := newTestReader(&mockS3Client{getErr: errors.New("connection reset")})

	order := r.FetchOrder(context.Background(), "ord_1")
	if !order.Synthetic {
		t.Fatal("expected fallback order on store error")
	}
}

func TestFetchOrderMalformedUsesFallback(t *testing.T) {
	r := newTestReader(&mockS3Client{objects: map[string]string{"orders/bad.json": "{not json"}})

	order := r.FetchOrder(context.Background(), "bad")
	if !order.Synthetic {
		t.Fatal("expected fallback order for malformed document")
	}
}

func TestFetchOrderRejectsPathIDs(t *testing.T) {
	client := &mockS3Client{objects: map[string]string{}}
	r := newTestReader(client)

	order := r.FetchOrder(context.Background(), "../secrets")
	if !order.Synthetic {
		t.Fatal("expected fallback order for invalid id")
	}
	if len(client.keys) != 0 {
		t.Errorf("expected no store lookups, got %v", client.keys)
	}
}

func TestUnconfiguredReader(t *testing.T) {
	r := NewReader(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if r.client != nil {
		t.Fatal("expected no client without bucket config")
	}

	order := r.FetchOrder(context.Background(), "ord_1")
	if !order.Synthetic {
		t.Fatal("expected fallback order")
	}
}
