package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryRecord holds the available/reserved/sold partition for a listing.
type InventoryRecord struct {
	ListingID uuid.UUID `gorm:"column:listing_id;type:uuid;primaryKey"`
	Available int       `gorm:"column:available;not null;default:0;check:available >= 0"`
	Reserved  int       `gorm:"column:reserved;not null;default:0;check:reserved >= 0"`
	Sold      int       `gorm:"column:sold;not null;default:0;check:sold >= 0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Total is the quantity the three counters partition.
func (r InventoryRecord) Total() int {
	return r.Available + r.Reserved + r.Sold
}
