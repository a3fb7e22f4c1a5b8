package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	defaultSQLiteFile = "agentcredits.db"
)

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// prepareSchema runs the versioned migrations on postgres and AutoMigrate on sqlite.
func prepareSchema(db *gorm.DB, driver string) (uint, error) {
	if driver != driverPostgres {
		if err := gormstore.AutoMigrate(db); err != nil {
			return 0, fmt.Errorf("auto migrate: %w", err)
		}
		return 0, nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return 0, err
	}
	if err := migrations.Up(sqlDB); err != nil {
		return 0, err
	}
	version, dirty, err := migrations.Version(sqlDB)
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// openLedgerStore returns the wallet store for the configured driver. The pgx
// store only runs against postgres and owns its own pool.
func openLedgerStore(ctx context.Context, cfg *runtimeConfig, db *gorm.DB, driver string) (ledger.Store, func(), error) {
	if cfg.StoreDriver != storeDriverPgx {
		return gormstore.New(db), func() {}, nil
	}
	if driver != driverPostgres {
		return nil, nil, fmt.Errorf("%s %s requires a postgres database url", flagStoreDriver, storeDriverPgx)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}
