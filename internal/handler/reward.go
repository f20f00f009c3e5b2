package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/orderledger/internal/auth"
	"github.com/dukerupert/orderledger/internal/loyalty"
	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
	"github.com/dukerupert/orderledger/internal/websocket"
)

type RewardHandler struct {
	rewards     *loyalty.Rewards
	rewardStore *store.RewardStore
	hub         *websocket.Hub
	logger      *slog.Logger
}

func NewRewardHandler(rw *loyalty.Rewards, rs *store.RewardStore, hub *websocket.Hub, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{rewards: rw, rewardStore: rs, hub: hub, logger: logger}
}

func (h *RewardHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

// Available lists rewards the caller can claim right now.
func (h *RewardHandler) Available(w http.ResponseWriter, r *http.Request) {
	available, err := h.rewards.AvailableRewards(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("list available rewards", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rewards")
		return
	}
	writeJSON(w, http.StatusOK, available)
}

func (h *RewardHandler) Claims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.rewards.Claims(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("list claims", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list claims")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *RewardHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	userID := auth.UserID(r.Context())

	res, err := h.rewards.ClaimReward(r.Context(), userID, id)
	if err != nil {
		status, msg := claimErrorStatus(err)
		if status >= 500 {
			h.logger.Error("claim reward", "user_id", userID, "reward_id", id, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	if h.hub != nil {
		h.hub.SendToUser(userID, websocket.RewardClaimed(res.Claim.ID, id, res.PointsSpent, res.NewBalance))
	}
	writeJSON(w, http.StatusCreated, res)
}

func claimErrorStatus(err error) (int, string) {
	var granted *loyalty.GrantedButUnclaimedError
	switch {
	case errors.Is(err, loyalty.ErrRewardNotFound):
		return http.StatusNotFound, "reward not found"
	case errors.Is(err, loyalty.ErrAlreadyClaimed):
		return http.StatusConflict, "reward already claimed"
	case errors.Is(err, loyalty.ErrRewardUnavailable):
		return http.StatusConflict, "reward is not available"
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "insufficient points"
	case errors.Is(err, loyalty.ErrInvalidTransaction):
		return http.StatusBadRequest, "invalid request"
	case errors.As(err, &granted):
		return http.StatusInternalServerError, "your points were deducted but the reward was not recorded; please contact support"
	default:
		return http.StatusInternalServerError, "failed to claim reward"
	}
}

// --- Admin ---

func (h *RewardHandler) List(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.rewardStore.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rewards")
		return
	}
	if rewards == nil {
		rewards = []model.Reward{}
	}
	writeJSON(w, http.StatusOK, rewards)
}

func decodeRewardInput(r *http.Request) (model.RewardInput, error) {
	var in model.RewardInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return in, errors.New("invalid JSON")
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func (h *RewardHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, err := decodeRewardInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reward, err := h.rewardStore.Create(r.Context(), in)
	if err != nil {
		h.logger.Error("create reward", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create reward")
		return
	}

	h.broadcast(websocket.NewMessage("reward", "created", reward.ID, nil))

	writeJSON(w, http.StatusCreated, reward)
}

func (h *RewardHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	existing, err := h.rewardStore.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get reward")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "reward not found")
		return
	}

	in, err := decodeRewardInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reward, err := h.rewardStore.Update(r.Context(), id, in)
	if err != nil {
		h.logger.Error("update reward", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update reward")
		return
	}

	h.broadcast(websocket.NewMessage("reward", "updated", id, nil))

	writeJSON(w, http.StatusOK, reward)
}

func (h *RewardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	existing, err := h.rewardStore.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get reward")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "reward not found")
		return
	}

	archived, err := h.rewardStore.Delete(r.Context(), id)
	if err != nil {
		h.logger.Error("delete reward", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete reward")
		return
	}

	// Claimed rewards are kept, inactive, so existing claims stay valid
	if archived {
		h.broadcast(websocket.NewMessage("reward", "archived", id, nil))
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "archived": true})
		return
	}

	h.broadcast(websocket.NewMessage("reward", "deleted", id, nil))

	w.WriteHeader(http.StatusNoContent)
}

// MarkClaimUsed records that a claimed reward was handed over.
func (h *RewardHandler) MarkClaimUsed(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	claim, err := h.rewards.MarkUsed(r.Context(), id)
	if err != nil {
		h.logger.Error("mark claim used", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update claim")
		return
	}
	if claim == nil {
		writeError(w, http.StatusNotFound, "claim not found or already used")
		return
	}
	writeJSON(w, http.StatusOK, claim)
}
