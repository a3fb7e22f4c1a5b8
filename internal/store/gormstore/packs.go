package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PackCatalog implements checkout.PackCatalog over credit_packs.
type PackCatalog struct {
	db *gorm.DB
}

// NewPackCatalog returns a PackCatalog backed by gorm.DB.
func NewPackCatalog(db *gorm.DB) *PackCatalog {
	return &PackCatalog{db: db}
}

// ListPacks returns active packs in display order.
func (catalog *PackCatalog) ListPacks(ctx context.Context) ([]checkout.CreditPack, error) {
	var rows []CreditPack
	err := catalog.db.WithContext(ctx).
		Where("lifecycle = ?", ledger.LifecycleActive.String()).
		Order("sort_order ASC").
		Order("credits ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPack, errorCodeList, err)
	}
	packs := make([]checkout.CreditPack, 0, len(rows))
	for _, row := range rows {
		pack, err := mapPack(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// GetPack resolves one active pack.
func (catalog *PackCatalog) GetPack(ctx context.Context, packID string) (checkout.CreditPack, error) {
	var row CreditPack
	err := catalog.db.WithContext(ctx).
		Where("pack_id = ? AND lifecycle = ?", packID, ledger.LifecycleActive.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.CreditPack{}, wrapStoreError(errorSubjectPack, errorCodeGet, checkout.ErrPackNotFound)
		}
		return checkout.CreditPack{}, wrapStoreError(errorSubjectPack, errorCodeGet, err)
	}
	pack, err := mapPack(row)
	if err != nil {
		return checkout.CreditPack{}, wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
	}
	return pack, nil
}

// UpsertPack creates or replaces a pack definition.
func (catalog *PackCatalog) UpsertPack(ctx context.Context, pack checkout.CreditPack, sortOrder int) error {
	if err := pack.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(nonNilFeatures(pack.Features))
	if err != nil {
		return wrapStoreError(errorSubjectPack, errorCodeInvalid, err)
	}
	lifecycle := pack.Lifecycle
	if lifecycle == "" {
		lifecycle = ledger.LifecycleActive
	}
	now := time.Now().UTC()
	row := CreditPack{
		PackID:          pack.ID,
		Name:            pack.Name,
		Credits:         pack.Credits.Int64(),
		BasePriceUSD:    pack.BasePriceUSD,
		DiscountPercent: pack.DiscountPercent,
		StripePriceID:   pack.ProviderPriceID,
		Badge:           pack.Badge,
		Features:        datatypes.JSON(features),
		Lifecycle:       lifecycle.String(),
		SortOrder:       sortOrder,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = catalog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "pack_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "credits", "base_price_usd", "discount_percent",
				"stripe_price_id", "badge", "features", "lifecycle", "sort_order", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPack, errorCodeUpdate, err)
	}
	return nil
}

func mapPack(row CreditPack) (checkout.CreditPack, error) {
	credits, err := ledger.NewAmount(row.Credits)
	if err != nil {
		return checkout.CreditPack{}, err
	}
	lifecycle, err := ledger.ParseLifecycle(row.Lifecycle)
	if err != nil {
		return checkout.CreditPack{}, err
	}
	var features []string
	if len(row.Features) > 0 {
		if err := json.Unmarshal(row.Features, &features); err != nil {
			return checkout.CreditPack{}, err
		}
	}
	return checkout.CreditPack{
		ID:              row.PackID,
		Name:            row.Name,
		Credits:         credits,
		BasePriceUSD:    row.BasePriceUSD,
		DiscountPercent: row.DiscountPercent,
		ProviderPriceID: row.StripePriceID,
		Badge:           row.Badge,
		Features:        nonNilFeatures(features),
		Lifecycle:       lifecycle,
	}, nil
}

func nonNilFeatures(features []string) []string {
	if features == nil {
		return []string{}
	}
	return features
}
