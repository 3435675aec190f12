package menu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type dishRecord struct {
	ID                string          `gorm:"primaryKey;size:64"`
	CookID            string          `gorm:"size:64;index"`
	Name              string          `gorm:"size:255"`
	Price             decimal.Decimal `gorm:"type:decimal(10,2)"`
	Status            string          `gorm:"size:32;index"`
	AvailableQuantity int
	DailyCapacity     int
	TotalOrders       int
	UpdatedAt         time.Time
}

func (dishRecord) TableName() string { return "dishes" }

func (r dishRecord) toDish() Dish {
	return Dish{
		ID:                r.ID,
		CookID:            r.CookID,
		Name:              r.Name,
		Price:             r.Price,
		Status:            DishStatus(r.Status),
		AvailableQuantity: r.AvailableQuantity,
		DailyCapacity:     r.DailyCapacity,
		TotalOrders:       r.TotalOrders,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromDish(d Dish) dishRecord {
	return dishRecord{
		ID:                d.ID,
		CookID:            d.CookID,
		Name:              d.Name,
		Price:             d.Price,
		Status:            string(d.Status),
		AvailableQuantity: d.AvailableQuantity,
		DailyCapacity:     d.DailyCapacity,
		TotalOrders:       d.TotalOrders,
		UpdatedAt:         d.UpdatedAt,
	}
}

// OpenMySQL opens the menu database behind dsn.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open menu database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	return gdb, nil
}

// GormCatalog reads and updates dishes in the menu service's MySQL schema.
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

// EnsureSchema creates the dishes and dish_holds tables if they do not exist.
func (c *GormCatalog) EnsureSchema(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&dishRecord{}, &holdRecord{})
}

// Seed inserts or replaces dishes.
func (c *GormCatalog) Seed(ctx context.Context, dishes ...Dish) error {
	records := make([]dishRecord, 0, len(dishes))
	for _, d := range dishes {
		records = append(records, fromDish(d))
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error
}

// Holds returns the hold store sharing the catalog's database.
func (c *GormCatalog) Holds() *GormHolds {
	return NewGormHolds(c.db)
}

func (c *GormCatalog) GetDishByID(ctx context.Context, id string) (Dish, error) {
	var rec dishRecord
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Dish{}, fmt.Errorf("%w: %s", ErrDishNotFound, id)
	}
	if err != nil {
		return Dish{}, fmt.Errorf("failed to load dish %s: %w", id, err)
	}
	return rec.toDish(), nil
}

func (c *GormCatalog) ListDishes(ctx context.Context) ([]Dish, error) {
	var recs []dishRecord
	if err := c.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list dishes: %w", err)
	}
	out := make([]Dish, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDish())
	}
	return out, nil
}

func (c *GormCatalog) mutate(ctx context.Context, id string, fn func(d *Dish)) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec dishRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDishNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock dish %s: %w", id, err)
		}

		d := rec.toDish()
		fn(&d)
		return tx.Model(&dishRecord{}).Where("id = ?", id).Updates(map[string]any{
			"status":             string(d.Status),
			"available_quantity": d.AvailableQuantity,
			"total_orders":       d.TotalOrders,
			"updated_at":         d.UpdatedAt,
		}).Error
	})
}

func (c *GormCatalog) RecordDishOrder(ctx context.Context, id string) error {
	return c.mutate(ctx, id, func(d *Dish) { d.recordOrder(time.Now().UTC()) })
}

func (c *GormCatalog) ReleaseDish(ctx context.Context, id string, qty int) error {
	return c.mutate(ctx, id, func(d *Dish) { d.release(qty, time.Now().UTC()) })
}
