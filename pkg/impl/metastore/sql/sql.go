// Package sql is a metadata store backed by a relational database: SQLite
// (pure Go, the default), MySQL or PostgreSQL. Extents live in a single table,
// paginated by id.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/metastore"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DefaultMaxOpenConns    = 20
	DefaultConnMaxIdleTime = 10 * time.Second

	tableName = "extents"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// ResolveDialect maps a driver name (as found in config) to the dialect, and
// the database/sql driver which implements it.
func ResolveDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported sql driver: %q", driver)
	}
}

type Store struct {
	driver string
	dsn    string
	clock  clockwork.Clock
	logger *slog.Logger

	maxOpenConns    int
	connMaxIdleTime time.Duration

	mu      sync.RWMutex
	db      *sql.DB
	dialect Dialect
}

var _ api.MetadataStore = (*Store)(nil)

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		s.maxOpenConns = n
	}
}

func WithConnMaxIdleTime(d time.Duration) Option {
	return func(s *Store) {
		s.connMaxIdleTime = d
	}
}

// New returns a store which will connect to dsn using the named driver. For
// SQLite, dsn is a file path or a "file:" URI. Nothing happens until Init.
func New(driver, dsn string, opts ...Option) *Store {
	s := &Store{
		driver:          driver,
		dsn:             dsn,
		clock:           clockwork.NewRealClock(),
		maxOpenConns:    DefaultMaxOpenConns,
		connMaxIdleTime: DefaultConnMaxIdleTime,
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = logging.OrDiscard(s.logger)
	return s
}

func (s *Store) getDB() (*sql.DB, Dialect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, "", api.ErrClosed
	}

	return s.db, s.dialect, nil
}

// Init connects and creates the table if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	dialect, err := ResolveDialect(s.driver)
	if err != nil {
		return err
	}

	dsn := s.dsn
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}

	db.SetConnMaxIdleTime(s.connMaxIdleTime)
	if dialect == SQLite {
		// one writer at a time anyway, and more connections only buy
		// SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("Ping: %w", err)
	}

	for _, stmt := range schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("create schema: %w", err)
		}
	}

	s.db = db
	s.dialect = dialect
	s.logger.DebugContext(ctx, "connected to extent metadata database", "dialect", dialect)

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func schema(d Dialect) []string {
	switch d {
	case MySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
				id VARCHAR(255) NOT NULL PRIMARY KEY,
				location_id VARCHAR(255) NOT NULL,
				path VARCHAR(255) NOT NULL,
				size BIGINT UNSIGNED NOT NULL,
				last_modified_in_ms BIGINT UNSIGNED NOT NULL,
				INDEX idx_extents_last_modified (last_modified_in_ms)
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
				id VARCHAR(255) NOT NULL PRIMARY KEY,
				location_id VARCHAR(255) NOT NULL,
				path VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				last_modified_in_ms BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_extents_last_modified ON ` + tableName + ` (last_modified_in_ms)`,
		}
	}
}

func upsertQuery(d Dialect) string {
	switch d {
	case MySQL:
		return `INSERT INTO ` + tableName + ` (id, location_id, path, size, last_modified_in_ms)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
size=VALUES(size),
last_modified_in_ms=VALUES(last_modified_in_ms)`
	default:
		return rebind(d, `INSERT INTO `+tableName+` (id, location_id, path, size, last_modified_in_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
size=excluded.size,
last_modified_in_ms=excluded.last_modified_in_ms`)
	}
}

// rebind rewrites ? placeholders into $n for postgres.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func (s *Store) UpdateExtent(ctx context.Context, extent *api.Extent) error {
	db, dialect, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, upsertQuery(dialect),
		extent.ID, extent.LocationID, extent.Path, extent.Size, extent.LastModifiedInMS)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", extent.ID, err)
	}

	return nil
}

func (s *Store) DeleteExtent(ctx context.Context, id string) error {
	db, dialect, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, rebind(dialect, `DELETE FROM `+tableName+` WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	return nil
}

func (s *Store) ListExtents(ctx context.Context, opts api.ListOptions) ([]*api.Extent, api.Marker, error) {
	db, dialect, err := s.getDB()
	if err != nil {
		return nil, "", err
	}

	limit := opts.Limit()

	var where []string
	var args []any

	// ids are never empty, so the empty marker matches everything.
	where = append(where, "id > ?")
	args = append(args, string(opts.Marker))

	if opts.ID != "" {
		where = append(where, "id = ?")
		args = append(args, opts.ID)
	}

	if cutoff, ok := opts.Cutoff(); ok {
		where = append(where, "last_modified_in_ms < ?")
		args = append(args, cutoff)
	}

	q := `SELECT id, location_id, path, size, last_modified_in_ms FROM ` + tableName +
		` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY id LIMIT ` + strconv.Itoa(limit)

	rows, err := db.QueryContext(ctx, rebind(dialect, q), args...)
	if err != nil {
		return nil, "", fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var out []*api.Extent
	for rows.Next() {
		e := &api.Extent{}
		if err := rows.Scan(&e.ID, &e.LocationID, &e.Path, &e.Size, &e.LastModifiedInMS); err != nil {
			return nil, "", fmt.Errorf("Scan: %w", err)
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("rows: %w", err)
	}

	if len(out) < limit {
		return out, "", nil
	}

	return out, api.Marker(out[len(out)-1].ID), nil
}

func (s *Store) GetExtentLocationID(ctx context.Context, id string) (string, error) {
	db, dialect, err := s.getDB()
	if err != nil {
		return "", err
	}

	var loc string
	err = db.QueryRowContext(ctx, rebind(dialect, `SELECT location_id FROM `+tableName+` WHERE id = ?`), id).Scan(&loc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", &api.NotFound{ID: id}
		}
		return "", fmt.Errorf("QueryRowContext: %w", err)
	}

	return loc, nil
}

func (s *Store) ExtentIterator() api.ExtentIterator {
	return metastore.NewAllExtents(s, metastore.WithClock(s.clock))
}
