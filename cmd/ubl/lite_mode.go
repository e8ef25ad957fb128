package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/ubl/pkg/config"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

// backend is an opened ledger with its pact registry. db is nil for the
// memory and file backends.
type backend struct {
	db    *sql.DB
	store ledger.Store
	pacts pact.Registry
	close func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		log.Printf("[ubl] ledger: in-memory (entries are lost on exit)")
		reg, _ := pact.NewMemoryRegistry()
		return &backend{store: ledger.NewMemoryStore(), pacts: reg, close: func() error { return nil }}, nil
	case config.BackendFile:
		fs, err := ledger.NewFileStore(cfg.LedgerDir())
		if err != nil {
			return nil, fmt.Errorf("failed to open file ledger: %w", err)
		}
		log.Printf("[ubl] ledger: files under %s", cfg.LedgerDir())
		reg, _ := pact.NewMemoryRegistry()
		return &backend{store: fs, pacts: reg, close: fs.Close}, nil
	}
	if cfg.LiteMode() {
		return setupLiteMode(ctx, cfg)
	}
	return setupPostgres(ctx, cfg.DatabaseURL)
}

func setupPostgres(ctx context.Context, url string) (*backend, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[ubl] postgres: connected")
	return initSQL(ctx, db, ledger.NewSQLStore(db, ledger.Postgres), pact.NewSQLRegistry(db))
}

func setupLiteMode(ctx context.Context, cfg *config.Config) (*backend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := cfg.SQLitePath()
	log.Printf("[ubl] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return initSQL(ctx, db, ledger.NewSQLStore(db, ledger.SQLite), pact.NewSQLiteRegistry(db))
}

func initSQL(ctx context.Context, db *sql.DB, store *ledger.SQLStore, reg *pact.SQLRegistry) (*backend, error) {
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	if err := reg.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init pact registry: %w", err)
	}
	return &backend{db: db, store: store, pacts: reg, close: db.Close}, nil
}
