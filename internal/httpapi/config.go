package httpapi

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultPublicBaseURL   = "http://localhost:8000"
	defaultRequestTimeout  = 5 * time.Second
	defaultRateLimitRPS    = 10
	defaultRateLimitBurst  = 20
	defaultWebhookMaxBytes = 1 << 16
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminUserIDs      []string
	PublicBaseURL     string
	RequestTimeout    time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	WebhookMaxBytes   int64
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.PublicBaseURL = strings.TrimRight(defaultIfEmpty(cfg.PublicBaseURL, defaultPublicBaseURL), "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.WebhookMaxBytes <= 0 {
		cfg.WebhookMaxBytes = defaultWebhookMaxBytes
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return fmt.Errorf("public base url must be http(s): %q", cfg.PublicBaseURL)
	}
	return nil
}

func (cfg Config) isAdmin(userID string) bool {
	return slices.Contains(cfg.AdminUserIDs, userID)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits comma-delimited values such as origins or admin ids.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
