package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wafflemaker/webpush"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite implements storage using SQLite.
type SQLite struct {
	sqlStore
}

// NewSQLite creates a new SQLite storage.
// dsn is the data source name, e.g., "webpush.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_id ON subscriptions(user_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{sqlStore{db: db, now: time.Now}}, nil
}

// sqlStore holds the queries shared by the SQL backends. Queries are
// written with ? placeholders and rebound for drivers that need $n.
type sqlStore struct {
	db         *sql.DB
	dollarArgs bool
	now        func() time.Time
}

const selectColumns = `SELECT id, user_id, endpoint, p256dh, auth, created_at, updated_at FROM subscriptions`

func (s *sqlStore) rebind(query string) string {
	if !s.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save stores or updates a subscription.
func (s *sqlStore) Save(ctx context.Context, record *Record) error {
	prepare(record, s.now().UTC())

	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO subscriptions (id, user_id, endpoint, p256dh, auth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`),
		record.ID,
		nullString(record.UserID),
		record.Subscription.Endpoint,
		record.Subscription.Keys.P256dh,
		record.Subscription.Keys.Auth,
		record.CreatedAt,
		record.UpdatedAt,
	).Scan(&record.ID, (*sqlTime)(&record.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return nil
}

// Get retrieves a subscription by ID.
func (s *sqlStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), id)
	return scanRecord(row)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (s *sqlStore) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE endpoint = ?`), endpoint)
	return scanRecord(row)
}

// GetByUserID retrieves all subscriptions for a user.
func (s *sqlStore) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectColumns+` WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByUserID returns how many subscriptions a user has.
func (s *sqlStore) CountByUserID(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return n, nil
}

// Delete removes a subscription by ID.
func (s *sqlStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (s *sqlStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return s.exec(ctx, `DELETE FROM subscriptions WHERE endpoint = ?`, endpoint)
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all subscriptions with pagination.
func (s *sqlStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectColumns+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// sqlTime scans timestamps that a driver reports either as time.Time or,
// for SQLite expressions without a declared column type, as text.
type sqlTime time.Time

var sqlTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case time.Time:
		*t = sqlTime(v)
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
	for _, layout := range sqlTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = sqlTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		id        string
		userID    sql.NullString
		endpoint  string
		p256dh    string
		auth      string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&id, &userID, &endpoint, &p256dh, &auth, (*sqlTime)(&createdAt), (*sqlTime)(&updatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	return &Record{
		ID:        id,
		UserID:    userID.String,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Subscription: &webpush.Subscription{
			Endpoint: endpoint,
			Keys: webpush.Keys{
				P256dh: p256dh,
				Auth:   auth,
			},
		},
	}, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}
