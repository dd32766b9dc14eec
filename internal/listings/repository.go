package listings

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
)

// Repository exposes the listing reads the order flows depend on. Listing
// CRUD lives in the catalogue service.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindActiveByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Listing, error)
	FarmerOwnsAny(ctx context.Context, farmerID uuid.UUID, listingIDs []uuid.UUID) (bool, error)
	ListIDsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a listings repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// FindActiveByIDs loads active listings with their inventory, keyed by id.
// Missing or inactive ids are simply absent from the result.
func (r *repository) FindActiveByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Listing, error) {
	out := make(map[uuid.UUID]models.Listing, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Listing
	err := r.db.WithContext(ctx).
		Preload("Inventory").
		Where("id IN ?", ids).
		Where("is_active = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

func (r *repository) FarmerOwnsAny(ctx context.Context, farmerID uuid.UUID, listingIDs []uuid.UUID) (bool, error) {
	if farmerID == uuid.Nil || len(listingIDs) == 0 {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("farmer_id = ?", farmerID).
		Where("id IN ?", listingIDs).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) ListIDsByFarmer(ctx context.Context, farmerID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("farmer_id = ?", farmerID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// MissingIDs returns the ids not present in found, preserving input order.
func MissingIDs(ids []uuid.UUID, found map[uuid.UUID]models.Listing) []uuid.UUID {
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
