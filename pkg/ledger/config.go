package ledger

import (
	"context"
	"strconv"
	"strings"
)

// Configuration keys read by the ledger.
const (
	ConfigKeyDailyFreeCredits = "dailyFreeCredits"
	ConfigKeyCreditResetTime  = "creditResetTimeUTC"
	ConfigKeyPaginationLimit  = "LogPaginationLimit"

	DefaultDailyFreeCredits int64 = 5
	DefaultCreditResetTime        = "00:00"
	DefaultPaginationLimit  int64 = 10
	maxPaginationLimit            = 200
)

// ConfigProvider is a key/value lookup with caller-supplied defaults.
type ConfigProvider interface {
	GetInt(ctx context.Context, key string, fallback int64) int64
	GetString(ctx context.Context, key string, fallback string) string
}

// StaticConfig is a ConfigProvider over a fixed map.
type StaticConfig map[string]string

// GetInt returns the parsed value for key or fallback.
func (config StaticConfig) GetInt(_ context.Context, key string, fallback int64) int64 {
	raw, ok := config[key]
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

// GetString returns the value for key or fallback.
func (config StaticConfig) GetString(_ context.Context, key string, fallback string) string {
	raw, ok := config[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	return raw
}

// RefreshPolicy is a read-only snapshot of the daily refresh tunables.
type RefreshPolicy struct {
	DailyAmount Credits
	Cutover     Cutover
}

// LoadRefreshPolicy snapshots the tunables. Invalid values fall back to the defaults.
func LoadRefreshPolicy(ctx context.Context, provider ConfigProvider) RefreshPolicy {
	dailyAmount, err := NewCredits(provider.GetInt(ctx, ConfigKeyDailyFreeCredits, DefaultDailyFreeCredits))
	if err != nil {
		dailyAmount = Credits(DefaultDailyFreeCredits)
	}
	cutover, err := ParseCutover(provider.GetString(ctx, ConfigKeyCreditResetTime, DefaultCreditResetTime))
	if err != nil {
		cutover = MidnightCutover
	}
	return RefreshPolicy{DailyAmount: dailyAmount, Cutover: cutover}
}
