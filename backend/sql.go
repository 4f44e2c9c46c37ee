package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/always-cache/cache-storage/pkg/header"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const recordColumns = "id, cache_name, req_url, req_method, status, status_text, headers, body, res_url"

// SQL is a database/sql backend for SQLite or Postgres.
// The registry partition is the `storages` table and the records partition
// is the `caches` table, indexed by cache name.
type SQL struct {
	db         *sql.DB
	dialect    string
	writeMutex *sync.Mutex
}

// NewSQL opens a database of the given dialect.
// For SQLite an empty dsn (or "memory") opens a private in-memory db.
func NewSQL(dialect, dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	switch dialect {
	case DialectSQLite:
		if dsn == "" || dsn == "memory" {
			dsn = ":memory:"
		}
	case DialectPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, dialect)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single connection serializes access and keeps an in-memory db alive
		db.SetMaxOpenConns(1)
	}
	return &SQL{
		db:         db,
		dialect:    dialect,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQL) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s backend: %w", s.dialect, err)
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS storages (
			cache_name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache_name TEXT NOT NULL,
			req_url TEXT NOT NULL,
			req_method TEXT NOT NULL,
			status INTEGER NOT NULL,
			status_text TEXT NOT NULL,
			headers BLOB,
			body BLOB,
			res_url TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS caches_cache_name_idx ON caches (cache_name, id)",
		"PRAGMA journal_mode=WAL",
	}
	if s.dialect == DialectPostgres {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS storages (
				cache_name TEXT PRIMARY KEY
			)`,
			`CREATE TABLE IF NOT EXISTS caches (
				id BIGSERIAL PRIMARY KEY,
				cache_name TEXT NOT NULL,
				req_url TEXT NOT NULL,
				req_method TEXT NOT NULL,
				status INTEGER NOT NULL,
				status_text TEXT NOT NULL,
				headers BYTEA,
				body BYTEA,
				res_url TEXT NOT NULL
			)`,
			"CREATE INDEX IF NOT EXISTS caches_cache_name_idx ON caches (cache_name, id)",
		}
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, fn func(Tx) error) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.run(ctx, false, fn)
}

func (s *SQL) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQL) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, dialect: s.dialect, readOnly: readOnly}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	dialect  string
	readOnly bool
}

// rebind rewrites `?` placeholders to `$n` for postgres.
func (t *sqlTx) rebind(query string) string {
	if t.dialect != DialectPostgres {
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

func (t *sqlTx) exec(query string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, ErrReadOnly
	}
	return t.tx.ExecContext(t.ctx, t.rebind(query), args...)
}

func (t *sqlTx) PutName(name string) error {
	_, err := t.exec("INSERT INTO storages (cache_name) VALUES (?) ON CONFLICT (cache_name) DO NOTHING", name)
	return err
}

func (t *sqlTx) DeleteName(name string) error {
	_, err := t.exec("DELETE FROM storages WHERE cache_name = ?", name)
	return err
}

func (t *sqlTx) HasName(name string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, t.rebind("SELECT 1 FROM storages WHERE cache_name = ?"), name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (t *sqlTx) Names() ([]string, error) {
	query := "SELECT cache_name FROM storages ORDER BY cache_name"
	if t.dialect == DialectPostgres {
		// byte order, like sqlite's BINARY collation
		query += ` COLLATE "C"`
	}
	rows, err := t.tx.QueryContext(t.ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (t *sqlTx) Insert(rec *Record) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	headers, err := header.Marshal(rec.Headers)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	var id int64
	err = t.tx.QueryRowContext(t.ctx, t.rebind(`INSERT INTO caches
		(cache_name, req_url, req_method, status, status_text, headers, body, res_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		rec.CacheName, rec.RequestURL, rec.RequestMethod, rec.Status, rec.StatusText, headers, body, rec.ResponseURL,
	).Scan(&id)
	return id, err
}

func (t *sqlTx) Delete(id int64) error {
	_, err := t.exec("DELETE FROM caches WHERE id = ?", id)
	return err
}

func (t *sqlTx) Scan(cacheName string) (Cursor, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		t.rebind("SELECT "+recordColumns+" FROM caches WHERE cache_name = ? ORDER BY id"), cacheName)
	if err != nil {
		return nil, err
	}
	return &sqlCursor{rows: rows}, nil
}

func (t *sqlTx) All(cacheName string) ([]Record, error) {
	c, err := t.Scan(cacheName)
	if err != nil {
		return nil, err
	}
	return collect(c)
}

func (t *sqlTx) DeleteAll(cacheName string) (int, error) {
	result, err := t.exec("DELETE FROM caches WHERE cache_name = ?", cacheName)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type sqlCursor struct {
	rows *sql.Rows
	rec  Record
	err  error
}

func (c *sqlCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var rec Record
	var headers []byte
	if err := c.rows.Scan(&rec.ID, &rec.CacheName, &rec.RequestURL, &rec.RequestMethod,
		&rec.Status, &rec.StatusText, &headers, &rec.Body, &rec.ResponseURL); err != nil {
		c.err = err
		return false
	}
	if rec.Headers, c.err = header.Unmarshal(headers); c.err != nil {
		return false
	}
	c.rec = rec
	return true
}

func (c *sqlCursor) Record() Record {
	return c.rec
}

func (c *sqlCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *sqlCursor) Close() error {
	return c.rows.Close()
}
