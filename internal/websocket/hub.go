package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Message is a live update pushed to connected clients.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// NotificationStatus reports the relay state for an order: sending, success
// or error.
func NotificationStatus(orderID, status string) Message {
	return NewMessage("notification", "status", 0, map[string]any{
		"order_id": orderID,
		"status":   status,
	})
}

// PointsEarned reports a completed accrual.
func PointsEarned(orderID string, txID, points, newBalance int64) Message {
	return NewMessage("points", "earned", txID, map[string]any{
		"order_id":    orderID,
		"points":      points,
		"new_balance": newBalance,
	})
}

// RewardClaimed reports a successful redemption.
func RewardClaimed(claimID, rewardID, pointsSpent, newBalance int64) Message {
	return NewMessage("reward", "claimed", claimID, map[string]any{
		"reward_id":    rewardID,
		"points_spent": pointsSpent,
		"new_balance":  newBalance,
	})
}

// Hub tracks connected clients by user. A user may have several clients open
// (tabs, devices).
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if c.userID != "" {
		set, ok := h.users[c.userID]
		if !ok {
			set = make(map[*Client]struct{})
			h.users[c.userID] = set
		}
		set[c] = struct{}{}
	}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		if set, ok := h.users[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.userID)
			}
		}
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		deliver(c, data)
	}
}

// SendToUser sends a message to every client the user has open. Users with no
// open clients are skipped silently.
func (h *Hub) SendToUser(userID string, msg Message) {
	if userID == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal user message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.users[userID] {
		deliver(c, data)
	}
}

func deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserClientCount returns the number of clients the user has open.
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
