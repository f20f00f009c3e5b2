// Package checkout reconciles a completed checkout with the loyalty ledger:
// it reads the canonical order, notifies the customer, mirrors the order and
// accrues points.
package checkout

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/orderledger/internal/analytics"
	"github.com/dukerupert/orderledger/internal/loyalty"
	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/notify"
	ws "github.com/dukerupert/orderledger/internal/websocket"
)

type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateMirroring  State = "mirroring"
	StateAccruing   State = "accruing"
	StateTracked    State = "tracked"
	StateDone       State = "done"
	StateError      State = "error"
)

// SupportMessage is shown when loyalty bookkeeping failed. The order itself
// is never affected.
const SupportMessage = "Your order is confirmed. We could not update your points; please contact support to reconcile your points."

const (
	historyLimit     = 10
	defaultRelayWait = 3 * time.Second
)

type orderFetcher interface {
	FetchOrder(ctx context.Context, id string) model.Order
}

type notifier interface {
	Deliver(ctx context.Context, order model.Order, known bool, profile model.CustomerProfile) bool
}

type orderMirror interface {
	Mirror(ctx context.Context, userID string, order model.Order) (*model.MirroredOrder, bool, error)
}

type pointsLedger interface {
	AddTransaction(ctx context.Context, in loyalty.TransactionInput) (*loyalty.TransactionResult, error)
	RecentHistory(ctx context.Context, userID string, limit int) ([]model.PointsTransaction, error)
}

type purchaseTracker interface {
	TrackPurchase(ctx context.Context, distinctID string, order model.Order) bool
}

type userEvents interface {
	SendToUser(userID string, msg ws.Message)
}

// Deps are the collaborators the orchestrator sequences. Tracker and Events
// may be nil.
type Deps struct {
	Orders  orderFetcher
	Relay   notifier
	Mirror  orderMirror
	Ledger  pointsLedger
	Tracker purchaseTracker
	Events  userEvents
}

// Request identifies the order to reconcile and who completed it.
type Request struct {
	// OrderID comes from the confirmation URL. StoredOrderID is the id the
	// client kept from checkout, used when the URL has none.
	OrderID       string
	StoredOrderID string
	Profile       model.CustomerProfile
	Known         bool
}

// StepError records a non-fatal failure in one step.
type StepError struct {
	Step    State  `json:"step"`
	Message string `json:"message"`
}

// Result is what the confirmation page renders. It is produced for every
// request; failures are reported in Errors and Warning.
type Result struct {
	OrderID       string                     `json:"order_id"`
	State         State                      `json:"state"`
	Trace         []State                    `json:"trace"`
	Order         *model.Order               `json:"order,omitempty"`
	Synthetic     bool                       `json:"synthetic"`
	Mirror        *model.MirroredOrder       `json:"mirror,omitempty"`
	MirrorCreated bool                       `json:"mirror_created"`
	Accrual       *loyalty.TransactionResult `json:"accrual,omitempty"`
	History       []model.PointsTransaction  `json:"history,omitempty"`
	Notification  notify.Status              `json:"notification"`
	Tracked       bool                       `json:"tracked"`
	Replayed      bool                       `json:"replayed"`
	Errors        []StepError                `json:"errors,omitempty"`
	Warning       string                     `json:"warning,omitempty"`

	relay *relayOutcome
}

// relayOutcome holds the notification status of a run. The relay goroutine
// settles it after the run may already have returned.
type relayOutcome struct {
	mu     sync.Mutex
	status notify.Status
}

func (o *relayOutcome) set(s notify.Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *relayOutcome) get() notify.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r *Result) fail(step State, msg string) {
	r.Errors = append(r.Errors, StepError{Step: step, Message: msg})
}

// ledgerFailed reports whether points could not be recorded.
func (r Result) ledgerFailed() bool {
	for _, e := range r.Errors {
		if e.Step == StateAccruing {
			return true
		}
	}
	return false
}

type Orchestrator struct {
	deps      Deps
	gate      *Gate
	currency  string
	relayWait time.Duration
	logger    *slog.Logger
}

func New(deps Deps, gate *Gate, currency string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:      deps,
		gate:      gate,
		currency:  currency,
		relayWait: defaultRelayWait,
		logger:    logger,
	}
}

// resolveOrderID prefers the explicit id and falls back to the stored one.
func resolveOrderID(req Request) string {
	if id := strings.TrimSpace(req.OrderID); id != "" {
		return id
	}
	return strings.TrimSpace(req.StoredOrderID)
}

func gateKey(userID, orderID string) string {
	return userID + "\x00" + orderID
}

// Complete reconciles the order once. Repeat calls for the same user and
// order within the gate's TTL return the first result with Replayed set.
// Runs whose ledger step failed are not remembered, so calling again resumes
// them: mirroring and accrual are both idempotent per (user, order).
//
// The work is not cancelled when ctx is.
func (o *Orchestrator) Complete(ctx context.Context, req Request) Result {
	orderID := resolveOrderID(req)
	if orderID == "" {
		r := Result{State: StateIdle, Notification: notify.StatusError}
		r.enter(StateError)
		r.fail(StateProcessing, "no order id")
		return r
	}
	if !req.Known {
		req.Profile = model.CustomerProfile{}
	}

	ctx = context.WithoutCancel(ctx)
	result, replayed := o.gate.Do(gateKey(req.Profile.UserID, orderID),
		func() Result { return o.run(ctx, orderID, req) },
		func(r Result) bool { return !r.ledgerFailed() },
	)
	if replayed {
		o.logger.Debug("order already reconciled", "order_id", orderID, "user_id", req.Profile.UserID)
		result.Replayed = true
	}
	// A relay still sending when the run returned may have finished since
	if result.relay != nil {
		result.Notification = result.relay.get()
	}
	return result
}

func (o *Orchestrator) run(ctx context.Context, orderID string, req Request) Result {
	userID := req.Profile.UserID
	r := Result{OrderID: orderID}
	r.enter(StateIdle)
	r.enter(StateProcessing)

	order := o.deps.Orders.FetchOrder(ctx, orderID)
	r.Order = &order
	r.Synthetic = order.Synthetic
	if order.Synthetic {
		o.logger.Warn("using fallback order", "order_id", orderID, "user_id", userID)
	}

	// The relay runs beside the ledger work and is only waited for at the end.
	relay := &relayOutcome{status: notify.StatusSending}
	r.relay = relay
	var wg sync.WaitGroup
	wg.Add(1)
	o.emit(userID, ws.NotificationStatus(orderID, string(notify.StatusSending)))
	go func() {
		defer wg.Done()
		status := notify.StatusError
		if o.deps.Relay.Deliver(ctx, order, req.Known, req.Profile) {
			status = notify.StatusSuccess
		}
		relay.set(status)
		o.emit(userID, ws.NotificationStatus(orderID, string(status)))
	}()

	if req.Known && userID != "" {
		o.reconcileLedger(ctx, &r, userID, order)
	}

	if o.deps.Tracker != nil {
		r.Tracked = o.deps.Tracker.TrackPurchase(ctx, analytics.DistinctID(userID, order.CustomerEmail), order)
	}
	if r.ledgerFailed() {
		r.enter(StateError)
		r.Warning = SupportMessage
	} else {
		r.enter(StateTracked)
	}

	waitTimeout(&wg, o.relayWait)
	r.Notification = relay.get()

	if r.State != StateError {
		r.enter(StateDone)
	}

	o.logger.Info("order reconciled",
		"order_id", orderID,
		"user_id", userID,
		"state", r.State,
		"synthetic", order.Synthetic,
		"notification", r.Notification,
		"errors", len(r.Errors),
	)
	return r
}

// reconcileLedger mirrors the order and accrues its points. A mirror failure
// is recorded and accrual still runs: the points ledger is authoritative.
func (o *Orchestrator) reconcileLedger(ctx context.Context, r *Result, userID string, order model.Order) {
	if o.deps.Mirror != nil {
		r.enter(StateMirroring)
		mo, created, err := o.deps.Mirror.Mirror(ctx, userID, order)
		if err != nil {
			o.logger.Error("mirror order failed", "order_id", order.ID, "user_id", userID, "error", err)
			r.fail(StateMirroring, "order mirror failed")
		} else {
			r.Mirror = mo
			r.MirrorCreated = created
		}
	}

	r.enter(StateAccruing)
	total := order.Total
	note := ""
	if order.Synthetic {
		note = "fallback order"
	}
	accrual, err := o.deps.Ledger.AddTransaction(ctx, loyalty.TransactionInput{
		UserID:    userID,
		OrderID:   order.ID,
		Points:    order.PointsValue(),
		Type:      model.TransactionOrder,
		Synthetic: order.Synthetic,
		Metadata: model.TransactionMetadata{
			OrderTotal: &total,
			Currency:   o.currency,
			ItemCount:  len(order.Items),
			Source:     "checkout",
			Note:       note,
		},
	})
	if err != nil {
		o.logger.Error("accrue points failed", "order_id", order.ID, "user_id", userID, "error", err)
		r.fail(StateAccruing, "points could not be recorded")
		return
	}
	r.Accrual = accrual

	if !accrual.Skipped && !accrual.Duplicate && accrual.Transaction != nil {
		o.emit(userID, ws.PointsEarned(order.ID, accrual.Transaction.ID, accrual.PointsEarned, accrual.NewBalance))
	}

	history, err := o.deps.Ledger.RecentHistory(ctx, userID, historyLimit)
	if err != nil {
		o.logger.Warn("load points history failed", "user_id", userID, "error", err)
		return
	}
	r.History = history
}

func (o *Orchestrator) emit(userID string, msg ws.Message) {
	if o.deps.Events != nil && userID != "" {
		o.deps.Events.SendToUser(userID, msg)
	}
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
