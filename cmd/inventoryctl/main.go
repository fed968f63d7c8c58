package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/restaurant-ops/inventory/internal/config"
	"github.com/restaurant-ops/inventory/internal/imports"
	"github.com/restaurant-ops/inventory/internal/setup"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cfg config.Config

	rootFlags := ff.NewFlagSet("inventoryctl")
	config.RegisterCommon(rootFlags, &cfg)
	root := &ff.Command{
		Name:      "inventoryctl",
		Usage:     "inventoryctl [FLAGS] <SUBCOMMAND>",
		ShortHelp: "operate the inventory database (" + version + ")",
		Flags:     rootFlags,
		Exec: func(context.Context, []string) error {
			return ff.ErrHelp
		},
	}

	checkCmd := &ff.Command{
		Name:      "check",
		Usage:     "inventoryctl check",
		ShortHelp: "verify that the database is reachable",
		Flags:     ff.NewFlagSet("check").SetParent(rootFlags),
		Exec: func(ctx context.Context, _ []string) error {
			return withDB(ctx, &cfg, stdout, func(db imports.DB) error {
				strategy, err := setup.CheckDatabase(ctx, db)
				if err != nil {
					return fmt.Errorf("database is not reachable: %w", err)
				}
				fmt.Fprintf(stdout, "✔ database reachable (%s, via %s)\n", db.Provider(), strategy)
				return nil
			})
		},
	}

	migrateCmd := &ff.Command{
		Name:      "migrate",
		Usage:     "inventoryctl migrate",
		ShortHelp: "create or update the database schema",
		Flags:     ff.NewFlagSet("migrate").SetParent(rootFlags),
		Exec: func(ctx context.Context, _ []string) error {
			return withDB(ctx, &cfg, stdout, func(db imports.DB) error {
				strategy, err := setup.Migrate(ctx, db, cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(stdout, "✔ schema up to date (%s)\n", strategy)
				return nil
			})
		},
	}

	adminFlags := ff.NewFlagSet("bootstrap-admin").SetParent(rootFlags)
	var (
		adminUser = adminFlags.StringLong("username", setup.DefaultAdminUsername, "admin username")
		adminPass = adminFlags.StringLong("password", "", "admin password, at least 8 characters (required)")
	)
	adminCmd := &ff.Command{
		Name:      "bootstrap-admin",
		Usage:     "inventoryctl bootstrap-admin --password <PASSWORD> [--username owner]",
		ShortHelp: "create or reset the owner account",
		Flags:     adminFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return withDB(ctx, &cfg, stdout, func(db imports.DB) error {
				if err := db.Migrate(ctx); err != nil {
					return fmt.Errorf("preparing schema: %w", err)
				}
				user, err := setup.BootstrapAdmin(ctx, db, *adminUser, *adminPass)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "✔ admin user %q ready (role %s)\n", user.Username, user.Role)
				return nil
			})
		},
	}

	root.Subcommands = []*ff.Command{checkCmd, migrateCmd, adminCmd}

	if err := config.LoadEnvFile(config.EnvFileFromArgs(args, config.DefaultEnvFile)); err != nil {
		fmt.Fprintf(stderr, "✘ %v\n", err)
		return 1
	}
	if err := root.Parse(args, config.ParseOptions()...); err != nil {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "✘ %v\n", err)
		return 1
	}
	cfg.Resolve()

	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "✘ %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			return 1
		}
		fmt.Fprintf(stderr, "✘ %v\n", err)
		return 1
	}
	return 0
}

// withDB opens the configured database for the duration of fn
func withDB(ctx context.Context, cfg *config.Config, stdout io.Writer, fn func(imports.DB) error) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	db, err := imports.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "✔ connection string accepted (%s)\n", db.Provider())
	return fn(db)
}
