package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/orderledger/internal/auth"
	"github.com/dukerupert/orderledger/internal/loyalty"
)

type PointsHandler struct {
	ledger *loyalty.Ledger
	logger *slog.Logger
}

func NewPointsHandler(l *loyalty.Ledger, logger *slog.Logger) *PointsHandler {
	return &PointsHandler{ledger: l, logger: logger}
}

func (h *PointsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

func (h *PointsHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	limit := parseLimit(r, 20, 100)

	txns, err := h.ledger.RecentHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("get points history", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}
	writeJSON(w, http.StatusOK, txns)
}
