package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID                 string     `gorm:"type:uuid;primaryKey"`
	UserID             string     `gorm:"not null;uniqueIndex:uniq_wallets_user_id"`
	PaidCredits        int64      `gorm:"not null;default:0"`
	FreeCredits        int64      `gorm:"not null;default:0"`
	LastFreeCreditDate *time.Time `gorm:"type:date"`
	Lifecycle          string     `gorm:"not null;default:active;index:idx_wallets_lifecycle_user,priority:1"`
	ArchivedAt         *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	ID                     string              `gorm:"type:uuid;primaryKey"`
	UserID                 string              `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	Amount                 int64               `gorm:"not null"`
	CreditType             string              `gorm:"not null"`
	Reason                 string              `gorm:"not null;default:''"`
	ExternalPackID         string              `gorm:"not null;default:''"`
	ExternalSessionID      *string             `gorm:"uniqueIndex:uniq_credit_transactions_session"`
	ExternalConfirmationID string              `gorm:"not null;default:''"`
	AmountPaidUSD          decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	Status                 string              `gorm:"not null;default:pending"`
	Remarks                string              `gorm:"not null;default:''"`
	Lifecycle              string              `gorm:"not null;default:active"`
	ArchivedAt             *time.Time
	CreatedAt              time.Time `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// CreditPack mirrors the credit_packs table.
type CreditPack struct {
	PackID          string          `gorm:"primaryKey"`
	Name            string          `gorm:"not null"`
	Credits         int64           `gorm:"not null"`
	BasePriceUSD    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	DiscountPercent int64           `gorm:"not null;default:0"`
	StripePriceID   string          `gorm:"not null;default:''"`
	Badge           string          `gorm:"not null;default:''"`
	Features        datatypes.JSON  `gorm:"not null"`
	Lifecycle       string          `gorm:"not null;default:active"`
	SortOrder       int             `gorm:"not null;default:0"`
	CreatedAt       time.Time       `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

func (CreditPack) TableName() string { return "credit_packs" }

// ConfigEntry mirrors the app_config key/value table.
type ConfigEntry struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ConfigEntry) TableName() string { return "app_config" }

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	Provider    string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:1"`
	EventID     string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:2"`
	EventType   string         `gorm:"not null"`
	SessionID   string         `gorm:"not null;default:''"`
	Outcome     string         `gorm:"not null"`
	Details     datatypes.JSON `gorm:"not null"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (event *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by this package, in creation order.
func Models() []any {
	return []any{&Wallet{}, &CreditTransaction{}, &CreditPack{}, &ConfigEntry{}, &WebhookEvent{}}
}

// AutoMigrate creates or updates the schema. Postgres deployments use the SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
