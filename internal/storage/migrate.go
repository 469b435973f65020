package storage

import (
	"database/sql"
	"embed"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS, dialect and logger in package globals
var gooseMu sync.Mutex

// gooseLogger routes goose output through the application logger
type gooseLogger struct {
	log logger.Logger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

// Fatalf logs at error level; migration failures are returned by goose.Up
func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Errorf(strings.TrimSuffix(format, "\n"), v...)
}

// runMigrations applies all pending embedded migrations
func runMigrations(db *sql.DB, log logger.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{log: log})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.StorageError("select migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.StorageError("run migrations", err)
	}

	version, err := goose.GetDBVersion(db)
	if err == nil {
		log.WithField("version", version).Debug("Database schema is up to date")
	}
	return nil
}
