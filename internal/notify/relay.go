// Package notify delivers order events to the customer-facing side channels.
// Delivery is best effort and never affects order completion.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/orderledger/internal/model"
)

// Status is the UI-facing state of a delivery.
type Status string

const (
	StatusSending Status = "sending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const (
	payloadSource   = "order-confirmation"
	payloadFormType = "order"
)

type webhookSender interface {
	Send(ctx context.Context, payload WebhookPayload) error
}

type templateSender interface {
	SendTemplate(ctx context.Context, toEmail, tag string, model any) error
}

// Relay sends an order event through the webhook and email channels at the
// same time.
type Relay struct {
	webhook webhookSender
	email   templateSender
	logger  *slog.Logger
	now     func() time.Time
}

func NewRelay(webhook webhookSender, email templateSender, logger *slog.Logger) *Relay {
	return &Relay{
		webhook: webhook,
		email:   email,
		logger:  logger,
		now:     time.Now,
	}
}

// contact picks the name, email and phone to address: the signed-in
// customer's profile when known, otherwise what was typed at checkout.
func contact(order model.Order, known bool, profile model.CustomerProfile) (name, email, phone string) {
	name, email, phone = order.CustomerName, order.CustomerEmail, order.CustomerPhone
	if !known {
		return
	}
	if profile.Name != "" {
		name = profile.Name
	}
	if profile.Email != "" {
		email = profile.Email
	}
	if profile.Phone != "" {
		phone = profile.Phone
	}
	return
}

// Deliver sends the order through both channels concurrently and reports
// whether at least one succeeded. Channel errors and panics are logged and
// contained; neither channel can fail the other.
func (r *Relay) Deliver(ctx context.Context, order model.Order, known bool, profile model.CustomerProfile) bool {
	name, email, phone := contact(order, known, profile)

	var webhookOK, emailOK atomic.Bool
	var g errgroup.Group

	g.Go(func() error {
		r.guard("webhook", order.ID, func() error {
			return r.webhook.Send(ctx, r.webhookPayload(order, name, email, phone, known))
		}, &webhookOK)
		return nil
	})
	g.Go(func() error {
		r.guard("email", order.ID, func() error {
			return r.email.SendTemplate(ctx, email, "order-confirmation", emailModel(order, name))
		}, &emailOK)
		return nil
	})
	g.Wait()

	ok := webhookOK.Load() || emailOK.Load()
	r.logger.Info("order notification",
		"order_id", order.ID,
		"webhook", webhookOK.Load(),
		"email", emailOK.Load(),
		"delivered", ok,
	)
	return ok
}

func (r *Relay) guard(channel, orderID string, send func() error, ok *atomic.Bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("notification channel panicked", "channel", channel, "order_id", orderID, "panic", fmt.Sprint(p))
		}
	}()
	if err := send(); err != nil {
		r.logger.Warn("notification channel failed", "channel", channel, "order_id", orderID, "error", err)
		return
	}
	ok.Store(true)
}

func (r *Relay) webhookPayload(order model.Order, name, email, phone string, known bool) WebhookPayload {
	items := make([]PayloadItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, PayloadItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price.StringFixed(2),
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal().StringFixed(2),
		})
	}

	customer := "guest"
	if known {
		customer = "member"
	}

	return WebhookPayload{
		Name:  name,
		Email: email,
		Phone: phone,
		Message: fmt.Sprintf("Order %s completed (%s, %s): %d item(s), total $%s",
			order.ID, order.DeliveryType, customer, len(order.Items), order.Total.StringFixed(2)),
		Items: items,
		Totals: PayloadTotals{
			Subtotal:    order.Subtotal.StringFixed(2),
			GST:         order.TaxGST.StringFixed(2),
			QST:         order.TaxQST.StringFixed(2),
			DeliveryFee: order.DeliveryFee.StringFixed(2),
			Total:       order.Total.StringFixed(2),
		},
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Source:    payloadSource,
		FormType:  payloadFormType,
	}
}

type emailItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
	Total    string `json:"total"`
}

func emailModel(order model.Order, name string) map[string]any {
	items := make([]emailItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, emailItem{
			Name:     it.Name,
			Quantity: it.Quantity,
			Price:    it.Price.StringFixed(2),
			Total:    it.LineTotal().StringFixed(2),
		})
	}
	return map[string]any{
		"customer_name":    name,
		"order_id":         order.ID,
		"items":            items,
		"subtotal":         order.Subtotal.StringFixed(2),
		"gst":              order.TaxGST.StringFixed(2),
		"qst":              order.TaxQST.StringFixed(2),
		"delivery_fee":     order.DeliveryFee.StringFixed(2),
		"total":            order.Total.StringFixed(2),
		"delivery_type":    order.DeliveryType,
		"delivery_address": order.DeliveryAddress,
	}
}
