package setup

import (
	"context"
	"fmt"
	"strings"

	"github.com/restaurant-ops/inventory/internal/imports"
)

// DefaultAdminUsername is used when bootstrap-admin is given no username
const DefaultAdminUsername = "owner"

// schemaCreator is implemented by stores that can create a namespace
type schemaCreator interface {
	CreateSchema(ctx context.Context, schema string) error
}

// CheckDatabase verifies that the database answers, first with a ping and
// then with a read of the pending imports.
func CheckDatabase(ctx context.Context, db imports.DB) (string, error) {
	return RunInOrder(ctx,
		Strategy{Name: "ping", Run: db.Ping},
		Strategy{Name: "query", Run: func(ctx context.Context) error {
			_, err := db.ListPendingImports(ctx, imports.ListFilter{Limit: 1})
			return err
		}},
	)
}

// Migrate brings the schema up to date. When the automatic migration fails
// and the connection URL names a schema, the schema is created and the
// migration retried.
func Migrate(ctx context.Context, db imports.DB, databaseURL string) (string, error) {
	strategies := []Strategy{{Name: "automigrate", Run: db.Migrate}}

	schema := imports.SchemaName(databaseURL)
	if sc, ok := db.(schemaCreator); ok && schema != "" {
		strategies = append(strategies, Strategy{Name: "create-schema", Run: func(ctx context.Context) error {
			if err := sc.CreateSchema(ctx, schema); err != nil {
				return err
			}
			return db.Migrate(ctx)
		}})
	}
	return RunInOrder(ctx, strategies...)
}

// BootstrapAdmin creates or resets the owner account. The password must be
// given; there is no default.
func BootstrapAdmin(ctx context.Context, db imports.DB, username, password string) (*imports.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		username = DefaultAdminUsername
	}
	if password == "" {
		return nil, fmt.Errorf("%w: an admin password is required", imports.ErrInvalidInput)
	}

	hash, err := imports.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &imports.User{
		Username:     username,
		PasswordHash: hash,
		Role:         imports.RoleOwner,
		Active:       true,
	}
	if err := db.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("saving admin user: %w", err)
	}
	return user, nil
}
