package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/app"
	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/config"
	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/observ"
)

var verbose bool

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// env loads config and a quiet logger for one command.
func env() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := observ.NewServiceLogger("carbonctl", cfg.Env, level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Long: `Apply every bundled *.up.sql migration not yet recorded in
schema_migrations, in name order.

SQLite databases carry their schema in the binary; use init-db instead.

Examples:
  DATABASE_DRIVER=postgres carbonctl migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.DatabaseDriver != config.DriverPostgres {
				fmt.Printf("%s migrate only applies to postgres (driver is %s); run init-db\n", yellow("!"), cfg.DatabaseDriver)
				return nil
			}
			return migrate(cmd.Context(), cfg, logger)
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.New(ctx, db.Config{
		DSN:             cfg.PostgresDSN(),
		ApplicationName: "carbonctl",
		MaxConns:        2,
		SimpleProtocol:  true,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	res, err := db.Migrate(ctx, database, db.Migrations(), logger)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Printf("%s migrations complete (applied=%d, skipped=%d)\n", green("✓"), res.Applied, res.Skipped)
	return nil
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database schema",
		Long: `Create the users and operations tables for the configured driver.
Existing tables and rows are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.DatabaseDriver == config.DriverPostgres {
				return migrate(cmd.Context(), cfg, logger)
			}

			// opening a SQLite store applies the schema
			store, err := app.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			store.Close()

			fmt.Printf("%s database initialized at %s\n", green("✓"), cfg.DatabasePath)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Replace all data with demo users and operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := app.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := app.Seed(cmd.Context(), store, cfg.BcryptCost)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}

			fmt.Printf("%s seed data created\n", green("✓"))
			fmt.Println()
			fmt.Println(bold("Internal users:"))
			for _, u := range app.SeedUsers {
				if u.Internal {
					fmt.Printf("  - %s / %s\n", u.Email, u.Password)
				}
			}
			fmt.Println(bold("Public users:"))
			for _, u := range app.SeedUsers {
				if !u.Internal {
					fmt.Printf("  - %s / %s\n", u.Email, u.Password)
				}
			}
			fmt.Println()
			fmt.Printf("Created %d sample operations\n", res.Operations)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every operation and user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if !yes && !confirm(fmt.Sprintf("Delete all data in the %s database?", cfg.DatabaseDriver)) {
				fmt.Println("Aborted")
				return nil
			}

			store, err := app.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}

			fmt.Printf("%s all operations and users deleted\n", yellow("!"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage console accounts",
	}
	cmd.AddCommand(userAddCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var (
		password string
		internal bool
	)

	cmd := &cobra.Command{
		Use:   "add [email]",
		Short: "Create a user",
		Long: `Create a public user, or an internal (backoffice) user with --internal.

Examples:
  carbonctl user add ops@carbonconsole.com --internal --password s3cret
  carbonctl user add someone@example.com --password hunter2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			if email == "" || password == "" {
				return fmt.Errorf("email and --password are required")
			}

			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := app.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			hash, err := auth.HashPassword(password, cfg.BcryptCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			u, err := store.CreateUser(cmd.Context(), email, hash, internal)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}

			class := "public"
			if u.IsInternal {
				class = "internal"
			}
			fmt.Printf("%s created %s user %s (id %d)\n", green("✓"), class, bold(u.Email), u.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (required)")
	cmd.Flags().BoolVar(&internal, "internal", false, "create a backoffice user")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
