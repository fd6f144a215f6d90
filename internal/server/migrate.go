package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrationsDir is used when server.migrations_dir is unset.
const DefaultMigrationsDir = "file://migrations"

// Migrate applies run history migrations from dir. A plain directory path is
// accepted as well as a file:// URL. An already current schema is not an error.
func Migrate(dir, dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("migrate: storage.postgres is not configured")
	}
	m, err := migrate.New(sourceURL(dir), dsn)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func sourceURL(dir string) string {
	switch {
	case dir == "":
		return DefaultMigrationsDir
	case strings.Contains(dir, "://"):
		return dir
	default:
		return "file://" + dir
	}
}
