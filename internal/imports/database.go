package imports

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	importsBucketName = "pending_imports"
	stockBucketName   = "stock_levels"
	usersBucketName   = "users"
)

// DB defines the interface for database operations
type DB interface {
	// CreatePendingImport stores a new record in pending status and assigns its ID.
	// It never updates an existing record.
	CreatePendingImport(ctx context.Context, imp *PendingImport) error

	// GetPendingImport retrieves a record by ID
	GetPendingImport(ctx context.Context, id uint64) (*PendingImport, error)

	// ListPendingImports returns records newest first
	ListPendingImports(ctx context.Context, filter ListFilter) ([]*PendingImport, error)

	// Transition atomically moves a pending record to a terminal status.
	// Approval applies the record's stock movements in the same transaction.
	Transition(ctx context.Context, id uint64, to Status, review Review) (*PendingImport, error)

	// ListStock returns all stock levels ordered by item name
	ListStock(ctx context.Context) ([]*StockLevel, error)

	// SaveUser creates or updates a user by username
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by username
	GetUser(ctx context.Context, username string) (*User, error)

	// Ping checks that the database answers
	Ping(ctx context.Context) error

	// Migrate creates or updates the schema
	Migrate(ctx context.Context) error

	// Provider names the backend for diagnostics
	Provider() string

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening boltdb: %w", ErrPersistence, err)
	}

	b := &BoltDB{db: db}
	if err := b.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates the buckets if they don't exist
func (b *BoltDB) Migrate(_ context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{importsBucketName, stockBucketName, usersBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistenceErr("creating buckets", err)
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func stockKey(name, unit string) []byte {
	return []byte(name + "\x00" + unit)
}

// CreatePendingImport saves a new pending import
func (b *BoltDB) CreatePendingImport(_ context.Context, imp *PendingImport) error {
	if imp.ID != 0 {
		return fmt.Errorf("%w: new pending import must not carry an id", ErrInvalidInput)
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(importsBucketName))
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		rec := *imp
		rec.ID = id
		rec.Status = StatusPending
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		rec.Items = make([]LineItem, len(imp.Items))
		for i, it := range imp.Items {
			it.ID = uint64(i + 1)
			it.PendingImportID = id
			if it.Position == 0 {
				it.Position = i + 1
			}
			rec.Items[i] = it
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling pending import: %w", err)
		}
		if err := bucket.Put(itob(id), data); err != nil {
			return err
		}
		*imp = rec
		return nil
	})
	if err != nil {
		return persistenceErr("creating pending import", err)
	}
	return nil
}

// decodeImport restores a stored record. Item ids are not serialized and are
// rebuilt from the item order.
func decodeImport(data []byte) (*PendingImport, error) {
	var imp PendingImport
	if err := json.Unmarshal(data, &imp); err != nil {
		return nil, fmt.Errorf("unmarshaling pending import: %w", err)
	}
	for i := range imp.Items {
		imp.Items[i].ID = uint64(i + 1)
		imp.Items[i].PendingImportID = imp.ID
	}
	return &imp, nil
}

func getImport(bucket *bbolt.Bucket, id uint64) (*PendingImport, error) {
	data := bucket.Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("%w: pending import %d", ErrNotFound, id)
	}
	return decodeImport(data)
}

// GetPendingImport retrieves a pending import by ID
func (b *BoltDB) GetPendingImport(_ context.Context, id uint64) (*PendingImport, error) {
	var imp *PendingImport
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		imp, err = getImport(tx.Bucket([]byte(importsBucketName)), id)
		return err
	})
	if err != nil {
		return nil, persistenceErr("getting pending import", err)
	}
	return imp, nil
}

// ListPendingImports returns pending imports newest first
func (b *BoltDB) ListPendingImports(_ context.Context, filter ListFilter) ([]*PendingImport, error) {
	imps := make([]*PendingImport, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(importsBucketName)).Cursor()
		// keys are big-endian sequence numbers, so walking backwards is newest first
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			imp, err := decodeImport(v)
			if err != nil {
				return err
			}
			if filter.Status != "" && imp.Status != filter.Status {
				continue
			}
			imps = append(imps, imp)
			if filter.Limit > 0 && len(imps) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistenceErr("listing pending imports", err)
	}
	return imps, nil
}

// Transition decides a pending import and applies its stock movements
func (b *BoltDB) Transition(_ context.Context, id uint64, to Status, review Review) (*PendingImport, error) {
	var imp *PendingImport
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(importsBucketName))
		var err error
		imp, err = getImport(bucket, id)
		if err != nil {
			return err
		}
		if !imp.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, imp.Status, to)
		}

		at := review.At
		imp.Status = to
		imp.ReviewedBy = review.By
		imp.ReviewedAt = &at
		imp.RejectReason = review.Reason
		imp.UpdatedAt = at

		if to == StatusApproved {
			if err := applyStockBolt(tx.Bucket([]byte(stockBucketName)), imp, at); err != nil {
				return err
			}
		}

		data, err := json.Marshal(imp)
		if err != nil {
			return fmt.Errorf("marshaling pending import: %w", err)
		}
		return bucket.Put(itob(id), data)
	})
	if err != nil {
		return nil, persistenceErr("transitioning pending import", err)
	}
	return imp, nil
}

func applyStockBolt(bucket *bbolt.Bucket, imp *PendingImport, at time.Time) error {
	dir := StockDirection(imp.FormType)
	if dir == 0 {
		return nil
	}
	for _, it := range imp.Items {
		name := stockName(it.Name)
		if name == "" {
			continue
		}
		itemKey := stockItemKey(name)
		key := stockKey(itemKey, it.Unit)
		level := StockLevel{ItemKey: itemKey, ItemName: name, Unit: it.Unit}
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &level); err != nil {
				return fmt.Errorf("unmarshaling stock level: %w", err)
			}
		}
		level.Quantity += dir * it.Quantity
		level.UpdatedAt = at

		data, err := json.Marshal(level)
		if err != nil {
			return fmt.Errorf("marshaling stock level: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

// ListStock returns all stock levels
func (b *BoltDB) ListStock(_ context.Context) ([]*StockLevel, error) {
	levels := make([]*StockLevel, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		// keys sort by folded item name, then unit
		return tx.Bucket([]byte(stockBucketName)).ForEach(func(k, v []byte) error {
			var level StockLevel
			if err := json.Unmarshal(v, &level); err != nil {
				return fmt.Errorf("unmarshaling stock level: %w", err)
			}
			levels = append(levels, &level)
			return nil
		})
	})
	if err != nil {
		return nil, persistenceErr("listing stock", err)
	}
	return levels, nil
}

// boltUser is the stored form of a User; User hides its hash from JSON
type boltUser struct {
	User
	PasswordHash string `json:"passwordHash"`
}

// SaveUser creates or updates a user
func (b *BoltDB) SaveUser(_ context.Context, user *User) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		now := time.Now()

		stored := boltUser{User: *user, PasswordHash: user.PasswordHash}
		if data := bucket.Get([]byte(user.Username)); data != nil {
			var existing boltUser
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("unmarshaling user: %w", err)
			}
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			stored.ID = id
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := bucket.Put([]byte(user.Username), data); err != nil {
			return err
		}
		user.ID = stored.ID
		user.CreatedAt = stored.CreatedAt
		user.UpdatedAt = stored.UpdatedAt
		return nil
	})
	if err != nil {
		return persistenceErr("saving user", err)
	}
	return nil
}

// GetUser retrieves a user by username
func (b *BoltDB) GetUser(_ context.Context, username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(usersBucketName)).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("%w: user %q", ErrNotFound, username)
		}
		var stored boltUser
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		u := stored.User
		u.PasswordHash = stored.PasswordHash
		user = &u
		return nil
	})
	if err != nil {
		return nil, persistenceErr("getting user", err)
	}
	return user, nil
}

// Ping checks that the buckets are readable
func (b *BoltDB) Ping(_ context.Context) error {
	err := b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(importsBucketName)) == nil {
			return errors.New("pending imports bucket missing")
		}
		return nil
	})
	if err != nil {
		return persistenceErr("pinging boltdb", err)
	}
	return nil
}

// Provider names the backend
func (b *BoltDB) Provider() string {
	return "bolt"
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
