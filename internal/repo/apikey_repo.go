package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/treebot/internal/domain"
)

// GetAPIKey returns the sealed credential for (userID, provider), or ErrNotFound.
func GetAPIKey(ctx context.Context, db *gorm.DB, userID string, provider domain.Provider) (*domain.APIKey, error) {
	var k domain.APIKey
	err := db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&k).Error
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// UpsertAPIKey stores sealed for (userID, provider), replacing any previous value.
func UpsertAPIKey(ctx context.Context, db *gorm.DB, userID string, provider domain.Provider, sealed []byte) error {
	now := Now()
	k := &domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		SealedKey: sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"sealed_key", "updated_at"}),
	}).Create(k).Error
}

// DeleteAPIKey removes the credential for (userID, provider).
func DeleteAPIKey(ctx context.Context, db *gorm.DB, userID string, provider domain.Provider) (int64, error) {
	res := db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&domain.APIKey{})
	return res.RowsAffected, res.Error
}

// ListAPIKeyProviders returns the providers userID has a key for.
func ListAPIKeyProviders(ctx context.Context, db *gorm.DB, userID string) ([]domain.Provider, error) {
	out := make([]domain.Provider, 0)
	err := db.WithContext(ctx).
		Model(&domain.APIKey{}).
		Where("user_id = ?", userID).
		Order("provider").
		Pluck("provider", &out).Error
	return out, err
}
