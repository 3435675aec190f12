package menu

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// holdRecord is one dish held by an order. An order whose decrements all failed is
// stored as a single marker row with an empty dish id.
type holdRecord struct {
	OrderID  string `gorm:"primaryKey;size:64"`
	DishID   string `gorm:"primaryKey;size:64"`
	Quantity int
}

func (holdRecord) TableName() string { return "dish_holds" }

// GormHolds keeps inventory holds next to the dishes so they survive a restart.
type GormHolds struct {
	db *gorm.DB
}

func NewGormHolds(db *gorm.DB) *GormHolds {
	return &GormHolds{db: db}
}

func (h *GormHolds) Has(ctx context.Context, orderID string) (bool, error) {
	var n int64
	if err := h.db.WithContext(ctx).Model(&holdRecord{}).Where("order_id = ?", orderID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to look up holds for order %s: %w", orderID, err)
	}
	return n > 0, nil
}

func (h *GormHolds) Put(ctx context.Context, orderID string, holds []Hold) error {
	records := make([]holdRecord, 0, len(holds))
	for _, hold := range holds {
		records = append(records, holdRecord{OrderID: orderID, DishID: hold.DishID, Quantity: hold.Quantity})
	}
	if len(records) == 0 {
		records = append(records, holdRecord{OrderID: orderID})
	}

	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderID).Delete(&holdRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear holds for order %s: %w", orderID, err)
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("failed to save holds for order %s: %w", orderID, err)
		}
		return nil
	})
}

func (h *GormHolds) Take(ctx context.Context, orderID string) ([]Hold, bool, error) {
	var (
		holds []Hold
		found bool
	)
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []holdRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_id = ?", orderID).Order("dish_id").Find(&recs).Error
		if err != nil {
			return fmt.Errorf("failed to lock holds for order %s: %w", orderID, err)
		}
		if len(recs) == 0 {
			return nil
		}
		found = true
		for _, rec := range recs {
			if rec.DishID != "" && rec.Quantity > 0 {
				holds = append(holds, Hold{DishID: rec.DishID, Quantity: rec.Quantity})
			}
		}
		return tx.Where("order_id = ?", orderID).Delete(&holdRecord{}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return holds, found, nil
}
