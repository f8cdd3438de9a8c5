// Command migrate manages the usage_events and meter_buckets schema.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pagemagic/meter/internal/infrastructure/config"
	"github.com/pagemagic/meter/internal/infrastructure/logger"
	"github.com/pagemagic/meter/internal/infrastructure/migration"
	"go.uber.org/zap"
)

type command struct {
	usage string
	help  string
	run   func(m *migration.Migrator, args []string, log *zap.Logger) error
}

var commands = map[string]command{
	"up": {"up", "apply all pending migrations", func(m *migration.Migrator, _ []string, _ *zap.Logger) error {
		return m.Up()
	}},
	"down": {"down", "roll back every migration", func(m *migration.Migrator, _ []string, _ *zap.Logger) error {
		return m.Down()
	}},
	"steps": {"steps <n>", "apply n migrations, negative n rolls back", func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		n, err := intArg(args, "step count")
		if err != nil {
			return err
		}
		return m.Steps(n)
	}},
	"goto": {"goto <version>", "migrate up or down to version", func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := intArg(args, "version")
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("version must not be negative")
		}
		return m.GoTo(uint(v))
	}},
	"version": {"version", "print the applied version", func(m *migration.Migrator, _ []string, log *zap.Logger) error {
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		log.Info("Schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		return nil
	}},
	"force": {"force <version>", "mark version as applied without running it, to repair a dirty schema", func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := intArg(args, "version")
		if err != nil {
			return err
		}
		return m.Force(v)
	}},
	"drop": {"drop -confirm", "drop every table, usage data included", func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		if len(args) == 0 || strings.TrimLeft(args[0], "-") != "confirm" {
			return errors.New("refusing to drop without -confirm")
		}
		return m.Drop()
	}},
}

func main() {
	path := flag.String("path", "", "migrations directory (default: database.migrations_path)")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]

	log, err := logger.New(&logger.Config{Level: *level, Format: "console", Output: "stdout", TimeFormat: "15:04:05"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	dir := *path
	if dir == "" {
		dir = cfg.Database.MigrationsPath
	}
	if dir, err = filepath.Abs(dir); err != nil {
		log.Fatal("Invalid migrations path", zap.Error(err))
	}

	if name == "list" {
		names, err := migration.ListMigrations(dir)
		if err != nil {
			log.Fatal("Failed to list migrations", zap.Error(err))
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		usage()
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	m, err := migration.New(db, dir, log)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.String("path", dir), zap.Error(err))
	}
	defer m.Close()

	if err := cmd.run(m, args, log); err != nil {
		log.Fatal("Migration failed", zap.String("command", name), zap.Error(err))
	}
}

func intArg(args []string, what string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s required", what)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, args[0])
	}
	return n, nil
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: migrate [flags] <command> [args]\n\nCommands:")
	for _, name := range []string{"up", "down", "steps", "goto", "version", "force", "drop"} {
		fmt.Fprintf(out, "  %-18s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(out, "  %-18s %s\n\nFlags:\n", "list", "list migration files")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nConnection settings come from config.toml or METER_DATABASE_* variables.")
}
