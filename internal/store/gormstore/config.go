package gormstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigProvider reads ledger tunables from app_config. Missing or
// unparsable rows defer to the fallback provider.
type ConfigProvider struct {
	db       *gorm.DB
	fallback ledger.ConfigProvider
}

// NewConfigProvider returns a ConfigProvider. A nil fallback uses the caller-supplied defaults.
func NewConfigProvider(db *gorm.DB, fallback ledger.ConfigProvider) *ConfigProvider {
	if fallback == nil {
		fallback = ledger.StaticConfig{}
	}
	return &ConfigProvider{db: db, fallback: fallback}
}

func (provider *ConfigProvider) GetInt(ctx context.Context, key string, fallback int64) int64 {
	raw, ok := provider.lookup(ctx, key)
	if !ok {
		return provider.fallback.GetInt(ctx, key, fallback)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return provider.fallback.GetInt(ctx, key, fallback)
	}
	return value
}

func (provider *ConfigProvider) GetString(ctx context.Context, key string, fallback string) string {
	raw, ok := provider.lookup(ctx, key)
	if !ok || strings.TrimSpace(raw) == "" {
		return provider.fallback.GetString(ctx, key, fallback)
	}
	return raw
}

// SetValue upserts one configuration entry.
func (provider *ConfigProvider) SetValue(ctx context.Context, key string, value string) error {
	entry := ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := provider.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeUpdate, err)
	}
	return nil
}

func (provider *ConfigProvider) lookup(ctx context.Context, key string) (string, bool) {
	var entry ConfigEntry
	err := provider.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if err != nil {
		return "", false
	}
	return entry.Value, true
}
