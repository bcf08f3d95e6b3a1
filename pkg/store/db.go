/*
Copyright 2026 The Tarka Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

// ConnectConfig holds the Postgres connection settings.
type ConnectConfig struct {
	DSN         string
	AutoMigrate bool
	// MigrationsDir is the goose migrations directory; defaults to
	// "migrations".
	MigrationsDir string
}

// Connect opens the Postgres pool, pings it, and optionally runs goose
// migrations (DB_AUTO_MIGRATE).
func Connect(ctx context.Context, cfg ConnectConfig, logger logr.Logger) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres_not_configured")
	}
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "db_unavailable")
	}

	if cfg.AutoMigrate {
		dir := cfg.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		goose.SetLogger(goose.NopLogger())
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "set goose dialect")
		}
		if err := goose.Up(db.DB, dir); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		logger.Info("database migrations applied", "dir", dir)
	}
	return db, nil
}
