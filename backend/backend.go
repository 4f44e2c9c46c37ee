// Package backend provides the durable record store behind cache storage.
//
// A backend has two partitions: a registry of cache names and a records
// partition holding stored request/response pairs, indexed by cache name.
// All access happens inside a transaction obtained from Update or View.
//
// Implementations must be thread-safe!
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/cache-storage/pkg/header"
)

var (
	// ErrReadOnly is returned by write methods of a View transaction.
	ErrReadOnly = errors.New("read-only transaction")
	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown backend driver")
)

// Record is one stored request/response pair.
type Record struct {
	// Assigned by the backend on insert.
	ID            int64       `msgpack:"id"`
	CacheName     string      `msgpack:"cacheName"`
	RequestURL    string      `msgpack:"reqUrl"`
	RequestMethod string      `msgpack:"reqMethod"`
	Status        int         `msgpack:"status"`
	StatusText    string      `msgpack:"statusText"`
	Headers       header.List `msgpack:"headers"`
	Body          []byte      `msgpack:"body"`
	ResponseURL   string      `msgpack:"resUrl"`
}

// Backend is a transactional store with a registry and a records partition.
type Backend interface {
	// Init creates both partitions and the cache name index if they do not exist.
	// It must be called once before any transaction and is safe to call again.
	Init(ctx context.Context) error
	// Update runs fn in a read-write transaction.
	// The transaction is committed if fn returns nil and rolled back otherwise.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is a transaction handle.
// It, and any Cursor obtained from it, is only valid inside the function
// passed to Update or View.
type Tx interface {
	// PutName registers a cache name. It is a no-op if already registered.
	PutName(name string) error
	// DeleteName removes a cache name from the registry.
	DeleteName(name string) error
	HasName(name string) (bool, error)
	// Names returns all registered cache names in ascending order.
	Names() ([]string, error)

	// Insert stores a record and returns its new ID.
	// The ID field of rec is ignored.
	Insert(rec *Record) (int64, error)
	// Delete removes the record with the given ID.
	Delete(id int64) error
	// Scan returns a cursor over all records of a cache, in ID order.
	// The cursor must be closed before the transaction is used again.
	Scan(cacheName string) (Cursor, error)
	// All returns all records of a cache, in ID order.
	All(cacheName string) ([]Record, error)
	// DeleteAll removes all records of a cache and returns how many there were.
	DeleteAll(cacheName string) (int, error)
}

// Cursor is a lazy, single-pass sequence of records.
type Cursor interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// One of "sqlite", "postgres" or "leveldb".
	Driver string `yaml:"driver"`
	// Data source: file name for sqlite, connection string for postgres,
	// directory for leveldb. Empty or "memory" means in-memory for sqlite and leveldb.
	DSN string `yaml:"dsn"`
}

// Open creates the backend described by the config. It does not call Init.
func Open(config Config) (Backend, error) {
	switch strings.ToLower(config.Driver) {
	case "", DialectSQLite:
		return NewSQL(DialectSQLite, config.DSN)
	case DialectPostgres:
		return NewSQL(DialectPostgres, config.DSN)
	case "leveldb":
		return NewLevelDB(config.DSN)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, config.Driver)
}

// collect drains a cursor into a slice and closes it.
func collect(c Cursor) ([]Record, error) {
	defer c.Close()
	records := make([]Record, 0)
	for c.Next() {
		records = append(records, c.Record())
	}
	return records, c.Err()
}
