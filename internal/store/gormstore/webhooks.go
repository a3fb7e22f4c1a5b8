package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventLog implements checkout.WebhookEventLog over webhook_events.
type WebhookEventLog struct {
	db *gorm.DB
}

// NewWebhookEventLog returns a WebhookEventLog backed by gorm.DB.
func NewWebhookEventLog(db *gorm.DB) *WebhookEventLog {
	return &WebhookEventLog{db: db}
}

type webhookDetails struct {
	PaymentStatus    string `json:"payment_status,omitempty"`
	ConfirmationID   string `json:"confirmation_id,omitempty"`
	AmountTotalCents int64  `json:"amount_total_cents,omitempty"`
}

// BeginEvent inserts the event unless it exists. An existing event that never
// reached a terminal outcome may be processed again.
func (eventLog *WebhookEventLog) BeginEvent(ctx context.Context, provider string, event checkout.PaymentEvent) (bool, error) {
	details, err := json.Marshal(webhookDetails{
		PaymentStatus:    string(event.PaymentStatus),
		ConfirmationID:   event.ConfirmationID,
		AmountTotalCents: event.AmountTotalCents,
	})
	if err != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	now := time.Now().UTC()
	row := WebhookEvent{
		Provider:  provider,
		EventID:   event.EventID,
		EventType: event.EventType,
		SessionID: event.SessionID,
		Outcome:   checkout.EventOutcomeReceived,
		Details:   datatypes.JSON(details),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := eventLog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	var existing WebhookEvent
	err = eventLog.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, event.EventID).
		Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		return false, wrapStoreError(errorSubjectWebhook, errorCodeLookup, err)
	}
	return existing.ProcessedAt == nil, nil
}

// FinishEvent stores the outcome. Failed events stay reprocessable.
func (eventLog *WebhookEventLog) FinishEvent(ctx context.Context, provider string, eventID string, outcome string) error {
	now := time.Now().UTC()
	assignments := map[string]any{
		"outcome":    outcome,
		"updated_at": now,
	}
	if outcome != checkout.EventOutcomeFailed {
		assignments["processed_at"] = now
	}
	err := eventLog.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(assignments).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeUpdate, err)
	}
	return nil
}
