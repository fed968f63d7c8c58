package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDB implements the DB interface on a relational database through gorm
type GormDB struct {
	db       *gorm.DB
	provider string
}

// slogWriter routes gorm's warnings (slow queries, errors) to slog
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...interface{}) {
	slog.Warn("gorm", "message", fmt.Sprintf(format, args...))
}

// NewGormDB opens a gorm connection with the given dialector
func NewGormDB(dialector gorm.Dialector, provider string) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(slogWriter{}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s database: %w", ErrPersistence, provider, err)
	}
	return &GormDB{db: db, provider: provider}, nil
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// CreatePendingImport inserts a new pending import and its line items
func (g *GormDB) CreatePendingImport(ctx context.Context, imp *PendingImport) error {
	if imp.ID != 0 {
		return fmt.Errorf("%w: new pending import must not carry an id", ErrInvalidInput)
	}
	imp.Status = StatusPending
	for i := range imp.Items {
		if imp.Items[i].Position == 0 {
			imp.Items[i].Position = i + 1
		}
	}
	if err := g.db.WithContext(ctx).Create(imp).Error; err != nil {
		return persistenceErr("creating pending import", err)
	}
	return nil
}

// GetPendingImport retrieves a pending import by ID
func (g *GormDB) GetPendingImport(ctx context.Context, id uint64) (*PendingImport, error) {
	var imp PendingImport
	err := g.db.WithContext(ctx).Preload("Items", orderedItems).First(&imp, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: pending import %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, persistenceErr("getting pending import", err)
	}
	return &imp, nil
}

// ListPendingImports returns pending imports newest first
func (g *GormDB) ListPendingImports(ctx context.Context, filter ListFilter) ([]*PendingImport, error) {
	q := g.db.WithContext(ctx).Preload("Items", orderedItems).Order("id DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	imps := make([]*PendingImport, 0)
	if err := q.Find(&imps).Error; err != nil {
		return nil, persistenceErr("listing pending imports", err)
	}
	return imps, nil
}

// Transition decides a pending import with a conditional update, so two
// concurrent reviews cannot both succeed.
func (g *GormDB) Transition(ctx context.Context, id uint64, to Status, review Review) (*PendingImport, error) {
	if !StatusPending.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: pending -> %s", ErrInvalidStateTransition, to)
	}

	var imp PendingImport
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PendingImport{}).
			Where("id = ? AND status = ?", id, StatusPending).
			Updates(map[string]interface{}{
				"status":        to,
				"reviewed_by":   review.By,
				"reviewed_at":   review.At,
				"reject_reason": review.Reason,
				"updated_at":    review.At,
			})
		if res.Error != nil {
			return res.Error
		}

		if err := tx.Preload("Items", orderedItems).First(&imp, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: pending import %d", ErrNotFound, id)
			}
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, imp.Status, to)
		}

		if to == StatusApproved {
			return applyStockGorm(tx, &imp, review.At)
		}
		return nil
	})
	if err != nil {
		return nil, persistenceErr("transitioning pending import", err)
	}
	return &imp, nil
}

func applyStockGorm(tx *gorm.DB, imp *PendingImport, at time.Time) error {
	dir := StockDirection(imp.FormType)
	if dir == 0 {
		return nil
	}
	for _, it := range imp.Items {
		name := stockName(it.Name)
		if name == "" {
			continue
		}
		delta := dir * it.Quantity
		level := StockLevel{ItemKey: stockItemKey(name), ItemName: name, Unit: it.Unit, Quantity: delta, UpdatedAt: at}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "item_key"}, {Name: "unit"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   gorm.Expr("stock_levels.quantity + ?", delta),
				"updated_at": at,
			}),
		}).Create(&level).Error
		if err != nil {
			return fmt.Errorf("updating stock of %q: %w", name, err)
		}
	}
	return nil
}

// ListStock returns all stock levels ordered by folded item name
func (g *GormDB) ListStock(ctx context.Context) ([]*StockLevel, error) {
	levels := make([]*StockLevel, 0)
	if err := g.db.WithContext(ctx).Order("item_key ASC, unit ASC").Find(&levels).Error; err != nil {
		return nil, persistenceErr("listing stock", err)
	}
	return levels, nil
}

// SaveUser creates or updates a user by username
func (g *GormDB) SaveUser(ctx context.Context, user *User) error {
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "role", "active", "updated_at"}),
	}).Create(user).Error
	if err != nil {
		return persistenceErr("saving user", err)
	}
	return nil
}

// GetUser retrieves a user by username
func (g *GormDB) GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	err := g.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, persistenceErr("getting user", err)
	}
	return &user, nil
}

// Ping checks the connection
func (g *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return persistenceErr("getting connection pool", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return persistenceErr("pinging database", err)
	}
	return nil
}

// Migrate creates or updates the tables
func (g *GormDB) Migrate(ctx context.Context) error {
	err := g.db.WithContext(ctx).AutoMigrate(&PendingImport{}, &LineItem{}, &StockLevel{}, &User{})
	if err != nil {
		return persistenceErr("migrating schema", err)
	}
	return nil
}

// CreateSchema creates a Postgres schema if it is missing
func (g *GormDB) CreateSchema(ctx context.Context, schema string) error {
	if g.provider != "postgresql" {
		return fmt.Errorf("%w: schemas are only supported on postgresql, not %s", ErrInvalidInput, g.provider)
	}
	quoted := `"` + strings.ReplaceAll(schema, `"`, `""`) + `"`
	if err := g.db.WithContext(ctx).Exec("CREATE SCHEMA IF NOT EXISTS " + quoted).Error; err != nil {
		return persistenceErr("creating schema", err)
	}
	return nil
}

// Provider names the SQL dialect
func (g *GormDB) Provider() string {
	return g.provider
}

// Close closes the connection pool
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
