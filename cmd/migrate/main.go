package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	direction := flag.String("direction", "up", "up, down, version, or force")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	forceVersion := flag.Int("version", -1, "schema version to record with -direction force")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	migrationsPath := flag.String("path", "migrations", "path to migrations directory")
	verbose := flag.Bool("verbose", false, "log each applied migration")
	flag.Parse()

	m, err := migrate.New("file://"+*migrationsPath, databaseURL(*dbURL))
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	m.Log = migrateLogger{verbose: *verbose}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
	case "force":
		// Clears the dirty flag left by a failed migration.
		if *forceVersion < 0 {
			log.Fatal("-direction force requires -version")
		}
		err = m.Force(*forceVersion)
	default:
		log.Fatalf("invalid direction: %s", *direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration %s failed: %v", *direction, err)
	}

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("no migrations applied")
	case err != nil:
		log.Fatalf("read schema version: %v", err)
	default:
		fmt.Printf("migration %s complete (version: %d, dirty: %v)\n", *direction, v, dirty)
	}
}

// databaseURL prefers the flag, then DATABASE_URL, then the DB_* variables
// the gateway itself reads.
func databaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envOrDefault("DB_USER", "gateway"),
		envOrDefault("DB_PASSWORD", "gateway-dev"),
		envOrDefault("DB_HOST", "localhost"),
		envOrDefault("DB_PORT", "5432"),
		envOrDefault("DB_NAME", "operator_gateway"),
	)
}

// migrateLogger routes golang-migrate progress through slog.
type migrateLogger struct{ verbose bool }

func (l migrateLogger) Printf(format string, v ...any) {
	slog.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return l.verbose }

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
