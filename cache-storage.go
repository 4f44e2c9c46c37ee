package cachestorage

import (
	"context"
	"time"

	"github.com/always-cache/cache-storage/backend"

	"github.com/rs/zerolog"
)

const (
	opOpen          = "CacheStorage.open"
	opHas           = "CacheStorage.has"
	opStorageKeys   = "CacheStorage.keys"
	opStorageDelete = "CacheStorage.delete"
	opStorageMatch  = "CacheStorage.match"
)

type Config struct {
	// Record store. An in-memory SQLite store is used if nil.
	Backend backend.Backend
	// Used by Cache.Add and Cache.AddAll. Defaults to an HTTPFetcher
	// with the default client.
	Fetcher Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// CacheStorage is the registry of named caches.
type CacheStorage struct {
	backend backend.Backend
	fetcher Fetcher
	log     zerolog.Logger
}

// New creates the registry and initializes the backend.
// Initialization is idempotent, so it is fine to use an already populated store.
func New(ctx context.Context, config Config) (*CacheStorage, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	b := config.Backend
	if b == nil {
		var err error
		if b, err = backend.NewSQL(backend.DialectSQLite, ""); err != nil {
			return nil, err
		}
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = HTTPFetcher{}
	}

	if err := b.Init(ctx); err != nil {
		logger.Error().Err(err).Msg("Could not initialize backend")
		return nil, err
	}

	return &CacheStorage{
		backend: b,
		fetcher: fetcher,
		log:     logger,
	}, nil
}

func (s *CacheStorage) cache(name string) *Cache {
	return &Cache{
		name:    name,
		backend: s.backend,
		fetcher: s.fetcher,
		log:     s.log.With().Str("cache", name).Logger(),
	}
}

// Cache returns a handle for the named cache without registering it.
// Reads through the handle see an empty cache and writes fail with
// ErrCacheNotFound until the cache is opened.
func (s *CacheStorage) Cache(name string) *Cache {
	return s.cache(name)
}

// Open returns the cache with the given name, creating it if needed.
func (s *CacheStorage) Open(ctx context.Context, name string) (c *Cache, err error) {
	defer observe(opOpen, time.Now(), &err)
	err = s.backend.Update(ctx, func(tx backend.Tx) error {
		return tx.PutName(name)
	})
	if err != nil {
		s.log.Error().Err(err).Str("cache", name).Msg("Could not open cache")
		return nil, txError(opOpen, err)
	}
	s.log.Trace().Str("cache", name).Msg("Opened cache")
	return s.cache(name), nil
}

// Has reports whether a cache with exactly this name exists.
func (s *CacheStorage) Has(ctx context.Context, name string) (ok bool, err error) {
	defer observe(opHas, time.Now(), &err)
	err = s.backend.View(ctx, func(tx backend.Tx) (err error) {
		ok, err = tx.HasName(name)
		return err
	})
	if err != nil {
		return false, txError(opHas, err)
	}
	return ok, nil
}

// Keys returns the names of all caches in registry order.
func (s *CacheStorage) Keys(ctx context.Context) (names []string, err error) {
	defer observe(opStorageKeys, time.Now(), &err)
	err = s.backend.View(ctx, func(tx backend.Tx) (err error) {
		names, err = tx.Names()
		return err
	})
	if err != nil {
		return nil, txError(opStorageKeys, err)
	}
	if names == nil {
		names = make([]string, 0)
	}
	return names, nil
}

// Delete removes the cache and everything stored in it.
// It returns false if there is no such cache.
func (s *CacheStorage) Delete(ctx context.Context, name string) (deleted bool, err error) {
	defer observe(opStorageDelete, time.Now(), &err)
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	var n int
	err = s.backend.Update(ctx, func(tx backend.Tx) (err error) {
		if err = tx.DeleteName(name); err != nil {
			return err
		}
		n, err = tx.DeleteAll(name)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Str("cache", name).Msg("Could not delete cache")
		return false, txError(opStorageDelete, err)
	}
	s.log.Debug().Str("cache", name).Int("entries", n).Msg("Deleted cache")
	return true, nil
}

// Match looks the request up in every cache, in registry order, and returns
// the first response found. The cache it was found in is returned as well.
// Both are nil if nothing matches.
func (s *CacheStorage) Match(ctx context.Context, req *Request, opts ...QueryOptions) (res *Response, c *Cache, err error) {
	defer observe(opStorageMatch, time.Now(), &err)
	if req == nil {
		return nil, nil, &ArgumentError{Op: opStorageMatch, Arg: "request"}
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	options := queryOptions(opts)
	for _, name := range names {
		found := s.cache(name)
		responses, err := found.matchAll(ctx, opStorageMatch, req, options)
		if err != nil {
			return nil, nil, err
		}
		if len(responses) > 0 {
			return responses[0], found, nil
		}
	}
	return nil, nil, nil
}

// Close closes the backend.
func (s *CacheStorage) Close() error {
	return s.backend.Close()
}
