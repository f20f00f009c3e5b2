package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/orderledger/internal/auth"
	"github.com/dukerupert/orderledger/internal/checkout"
)

type OrderHandler struct {
	orchestrator *checkout.Orchestrator
	logger       *slog.Logger
}

func NewOrderHandler(o *checkout.Orchestrator, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orchestrator: o, logger: logger}
}

type completeRequest struct {
	OrderID       string `json:"order_id"`
	StoredOrderID string `json:"stored_order_id"`
}

// Complete reconciles a finished checkout. It answers 200 whenever an order id
// could be resolved: the payment already succeeded, so ledger trouble is
// reported inside the result rather than as an HTTP failure.
func (h *OrderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if id := r.PathValue("id"); id != "" {
		req.OrderID = id
	}

	profile, known := auth.Profile(r.Context())
	result := h.orchestrator.Complete(r.Context(), checkout.Request{
		OrderID:       req.OrderID,
		StoredOrderID: req.StoredOrderID,
		Profile:       profile,
		Known:         known,
	})

	if result.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
