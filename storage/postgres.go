package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed schema.sql
var postgresSchema string

// Postgres implements storage using PostgreSQL.
type Postgres struct {
	sqlStore
}

// NewPostgres connects to databaseURL and creates the subscriptions table
// if it does not exist.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{sqlStore{db: db, dollarArgs: true, now: time.Now}}
	if err := p.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// RunMigrations creates tables and indexes that do not exist yet.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
