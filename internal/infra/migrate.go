package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationsDirEnv overrides where the schema files are read from.
const MigrationsDirEnv = "MIGRATIONS_DIR"

// RunMigrations brings the risk store schema up to date.
func RunMigrations(dsn string, logger *slog.Logger) error {
	dir, err := MigrationsDir()
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), dsn)
	if err != nil {
		return fmt.Errorf("open schema migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate risk schema: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("risk schema ready", "version", version, "dirty", dirty, "dir", dir)
	return nil
}

// MigrationsDir returns MIGRATIONS_DIR when set, otherwise the first
// db/migrations found walking up from the working directory.
func MigrationsDir() (string, error) {
	if dir := os.Getenv(MigrationsDirEnv); dir != "" {
		return dir, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("locate migrations: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "db", "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("locate migrations: no db/migrations above the working directory")
		}
		dir = parent
	}
}
