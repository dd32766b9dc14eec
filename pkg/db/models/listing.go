package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Listing is a farmer's crop offering. Each listing owns one InventoryRecord.
type Listing struct {
	ID        uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	FarmerID  uuid.UUID        `gorm:"column:farmer_id;type:uuid;not null;index"`
	Name      string           `gorm:"column:name;not null"`
	Price     decimal.Decimal  `gorm:"column:price;type:numeric(12,2);not null"`
	Unit      string           `gorm:"column:unit;not null;default:'kg'"`
	IsActive  bool             `gorm:"column:is_active;not null;default:true"`
	Inventory *InventoryRecord `gorm:"foreignKey:ListingID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (l *Listing) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
