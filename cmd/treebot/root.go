package main

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/config"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version string

// buildVersion prefers the stamped version, then the module version.
func buildVersion() string {
	var mod string
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" {
		mod = bi.Main.Version
	}
	return sysutil.FirstNonEmpty(version, mod, "dev")
}

// app carries what every subcommand needs once the environment is loaded.
type app struct {
	envFile string
	cfg     config.Config
	log     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "treebot",
		Short: "Treebot branching chat server",
		Long: `Treebot serves a branching chat API: conversations form a tree,
turns stream from OpenAI or Google models, and any message can be forked or
handed off into a fresh conversation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env",
		"dotenv file seeding the environment (a missing file is ignored)")

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newVersionCmd())
	return root
}

// load seeds the environment from the dotenv file, reads the configuration
// and installs the global logger.
func (a *app) load() error {
	if a.envFile != "" {
		// Existing variables win over the file.
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg
	a.log = sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, nil)
	return nil
}

func (a *app) openDB() (*gorm.DB, error) {
	db, err := repo.Open(repo.Options{
		Driver:  a.cfg.DB.Driver,
		Path:    a.cfg.DB.Path,
		DSN:     a.cfg.DB.DSN,
		Tracing: a.cfg.OTEL.Enabled,
		Verbose: a.cfg.DB.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", a.cfg.DB.Driver, err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion())
		},
	}
}
