package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/orderledger/internal/analytics"
	"github.com/dukerupert/orderledger/internal/checkout"
	"github.com/dukerupert/orderledger/internal/config"
	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/docstore"
	"github.com/dukerupert/orderledger/internal/email"
	"github.com/dukerupert/orderledger/internal/handler"
	"github.com/dukerupert/orderledger/internal/loyalty"
	"github.com/dukerupert/orderledger/internal/middleware"
	"github.com/dukerupert/orderledger/internal/notify"
	"github.com/dukerupert/orderledger/internal/store"
	ws "github.com/dukerupert/orderledger/internal/websocket"
)

type Server struct {
	db             *sql.DB
	hub            *ws.Hub
	gate           *checkout.Gate
	orderH         *handler.OrderHandler
	pointsH        *handler.PointsHandler
	rewardH        *handler.RewardHandler
	rateLimiter    *middleware.RateLimiter
	claimLimit     int
	claimWindow    time.Duration
	allowedOrigins []string
	logger         *slog.Logger
}

// Options overrides the collaborators that talk to external services. Nil
// fields are built from Config.
type Options struct {
	Orders *docstore.Reader
	Relay  *notify.Relay
}

func New(db *sql.DB, cfg config.Config, logger *slog.Logger) *Server {
	return NewWithOptions(db, cfg, Options{}, logger)
}

func NewWithOptions(db *sql.DB, cfg config.Config, opts Options, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	orderStore := store.NewOrderStore(db)
	pointsStore := store.NewPointsStore(db)
	rewardStore := store.NewRewardStore(db)

	ledger := loyalty.NewLedger(pointsStore, logger.With("component", "ledger"))
	rewards := loyalty.NewRewards(rewardStore, pointsStore, logger.With("component", "rewards"))

	orders := opts.Orders
	if orders == nil {
		orders = docstore.NewReader(cfg.Orders, logger.With("component", "docstore"))
	}
	relay := opts.Relay
	if relay == nil {
		relay = notify.NewRelay(
			notify.NewWebhook(cfg.WebhookURL),
			email.NewClient(cfg.PostmarkToken, cfg.PostmarkFrom, cfg.PostmarkTemplateAlias),
			logger.With("component", "notify"),
		)
	}
	tracker := analytics.NewClient(cfg.PostHogKey, cfg.PostHogHost, cfg.Currency, logger.With("component", "analytics"))

	gate := checkout.NewGate(cfg.GateTTL)
	orchestrator := checkout.New(checkout.Deps{
		Orders:  orders,
		Relay:   relay,
		Mirror:  orderStore,
		Ledger:  ledger,
		Tracker: tracker,
		Events:  hub,
	}, gate, cfg.Currency, logger.With("component", "checkout"))

	return &Server{
		db:             db,
		hub:            hub,
		gate:           gate,
		orderH:         handler.NewOrderHandler(orchestrator, logger.With("component", "order")),
		pointsH:        handler.NewPointsHandler(ledger, logger.With("component", "points")),
		rewardH:        handler.NewRewardHandler(rewards, rewardStore, hub, logger.With("component", "reward")),
		rateLimiter:    middleware.NewRateLimiter(),
		claimLimit:     cfg.ClaimLimit,
		claimWindow:    cfg.ClaimWindow,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logger,
	}
}

// Gate returns the checkout idempotency gate for sweeping.
func (s *Server) Gate() *checkout.Gate {
	return s.gate
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Open to guests: a guest checkout still notifies and is tracked
	mux.HandleFunc("POST /api/orders/{id}/complete", s.orderH.Complete)
	mux.HandleFunc("POST /api/orders/complete", s.orderH.Complete)
	mux.HandleFunc("GET /api/rewards", s.rewardH.Available)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.allowedOrigins, s.logger.With("component", "websocket")))

	// Signed-in customers
	mux.Handle("GET /api/points", requireUser(s.pointsH.Balance))
	mux.Handle("GET /api/points/history", requireUser(s.pointsH.History))
	mux.Handle("GET /api/rewards/claims", requireUser(s.rewardH.Claims))
	mux.Handle("POST /api/rewards/{id}/claim", requireUser(s.rateLimitedHandler(s.rewardH.Claim)))

	// Admin
	mux.Handle("GET /api/admin/rewards", requireAdmin(s.rewardH.List))
	mux.Handle("POST /api/admin/rewards", requireAdmin(s.rewardH.Create))
	mux.Handle("PUT /api/admin/rewards/{id}", requireAdmin(s.rewardH.Update))
	mux.Handle("DELETE /api/admin/rewards/{id}", requireAdmin(s.rewardH.Delete))
	mux.Handle("PUT /api/admin/claims/{id}/used", requireAdmin(s.rewardH.MarkClaimUsed))

	return middleware.RequestLogger(s.logger.With("component", "http"))(middleware.Identify(mux))
}

func requireUser(h http.HandlerFunc) http.Handler {
	return middleware.RequireUser(h)
}

func requireAdmin(h http.HandlerFunc) http.Handler {
	return middleware.RequireAdmin(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	version, _ := database.Version(s.db)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"schema_version": version,
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	limited := middleware.RateLimit(s.rateLimiter, middleware.UserOrIPKey, s.claimLimit, s.claimWindow)(h)
	return limited.ServeHTTP
}
