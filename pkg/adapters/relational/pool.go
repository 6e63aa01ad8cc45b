package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Pool shares database handles between sources that point at the same
// database. SQLite handles are limited to one connection.
type Pool struct {
	mu    sync.Mutex
	pools map[string]*pooled
}

type pooled struct {
	db   *sql.DB
	refs int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{pools: make(map[string]*pooled)}
}

// Get returns the handle for cfg, opening it on first use. Each Get must be
// paired with a Release.
func (p *Pool) Get(ctx context.Context, cfg *Config) (*sql.DB, error) {
	key := cfg.DriverName() + "|" + cfg.ConnString()

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.pools[key]; ok {
		e.refs++
		return e.db, nil
	}

	db, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.pools[key] = &pooled{db: db, refs: 1}
	return db, nil
}

// Release drops one reference and closes the handle with the last one.
func (p *Pool) Release(cfg *Config) error {
	key := cfg.DriverName() + "|" + cfg.ConnString()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pools[key]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(p.pools, key)
	return e.db.Close()
}

// Close closes every handle regardless of references.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, e := range p.pools {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key, err))
		}
	}
	p.pools = make(map[string]*pooled)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}

func open(ctx context.Context, cfg *Config) (*sql.DB, error) {
	driverName := cfg.DriverName()

	db, err := sql.Open(driverName, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driverName == "sqlite3" {
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("Failed to set busy timeout", "error", err)
		}
	}
	return db, nil
}
