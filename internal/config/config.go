// Package config reads service settings from ORDERLEDGER_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/orderledger/internal/backup"
	"github.com/dukerupert/orderledger/internal/docstore"
)

const envPrefix = "ORDERLEDGER_"

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string
	Currency  string

	// WebSocket origins allowed to connect, e.g. "shop.example.com".
	AllowedOrigins []string

	Orders docstore.Config

	WebhookURL            string
	PostmarkToken         string
	PostmarkFrom          string
	PostmarkTemplateAlias string

	PostHogKey  string
	PostHogHost string

	// GateTTL is how long a completed order id stays in the idempotency gate.
	GateTTL time.Duration

	// ClaimLimit claims per ClaimWindow per user.
	ClaimLimit  int
	ClaimWindow time.Duration

	RewardsCatalog string

	Backup backup.Config
}

// Load reads the configuration from the environment, applying defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:      get("PORT", "8080"),
		DBPath:    get("DB_PATH", "orderledger.db"),
		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: get("LOG_FORMAT", "text"),
		Currency:  strings.ToUpper(get("CURRENCY", "CAD")),

		Orders: docstore.Config{
			Endpoint:  get("ORDERS_S3_ENDPOINT", ""),
			Bucket:    get("ORDERS_S3_BUCKET", ""),
			Region:    get("ORDERS_S3_REGION", ""),
			AccessKey: get("ORDERS_S3_ACCESS_KEY", ""),
			SecretKey: get("ORDERS_S3_SECRET_KEY", ""),
			Prefix:    get("ORDERS_S3_PREFIX", ""),
		},

		WebhookURL:            get("WEBHOOK_URL", ""),
		PostmarkToken:         get("POSTMARK_TOKEN", ""),
		PostmarkFrom:          get("POSTMARK_FROM", ""),
		PostmarkTemplateAlias: get("POSTMARK_TEMPLATE", "order-confirmation"),

		PostHogKey:  get("POSTHOG_KEY", ""),
		PostHogHost: get("POSTHOG_HOST", ""),

		RewardsCatalog: get("REWARDS_CATALOG", ""),

		Backup: backup.Config{
			Endpoint:   get("BACKUP_S3_ENDPOINT", ""),
			Bucket:     get("BACKUP_S3_BUCKET", ""),
			Region:     get("BACKUP_S3_REGION", ""),
			AccessKey:  get("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:  get("BACKUP_S3_SECRET_KEY", ""),
			Prefix:     get("BACKUP_S3_PREFIX", ""),
			Passphrase: get("BACKUP_PASSPHRASE", ""),
		},
	}

	if origins := get("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	var err error
	if cfg.GateTTL, err = duration(get("GATE_TTL", "30m")); err != nil {
		return Config{}, fmt.Errorf("%sGATE_TTL: %w", envPrefix, err)
	}
	if cfg.ClaimWindow, err = duration(get("CLAIM_WINDOW", "1m")); err != nil {
		return Config{}, fmt.Errorf("%sCLAIM_WINDOW: %w", envPrefix, err)
	}
	if cfg.ClaimLimit, err = strconv.Atoi(get("CLAIM_LIMIT", "10")); err != nil || cfg.ClaimLimit < 1 {
		return Config{}, fmt.Errorf("%sCLAIM_LIMIT: must be a positive integer", envPrefix)
	}

	if v := get("BACKUP_INTERVAL", ""); v != "" {
		if cfg.Backup.Interval, err = duration(v); err != nil {
			return Config{}, fmt.Errorf("%sBACKUP_INTERVAL: %w", envPrefix, err)
		}
	}
	if cfg.Backup.Retention, err = duration(get("BACKUP_RETENTION", "720h")); err != nil {
		return Config{}, fmt.Errorf("%sBACKUP_RETENTION: %w", envPrefix, err)
	}

	return cfg, nil
}

func duration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}
