package cachestorage

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/cache-storage/backend"
	"github.com/always-cache/cache-storage/internal/metrics"
	cachekey "github.com/always-cache/cache-storage/pkg/cache-key"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	opMatchAll = "Cache.matchAll"
	opMatch    = "Cache.match"
	opPut      = "Cache.put"
	opDelete   = "Cache.delete"
	opKeys     = "Cache.keys"
	opAdd      = "Cache.add"
	opAddAll   = "Cache.addAll"
)

// Cache is a handle to one named cache.
// It does not own any storage; it only routes operations to the backend
// scoped to its name. Handles are cheap and safe for concurrent use.
type Cache struct {
	name    string
	backend backend.Backend
	fetcher Fetcher
	log     zerolog.Logger
}

// Name returns the name of the cache the handle is bound to.
func (c *Cache) Name() string {
	return c.name
}

func observe(op string, start time.Time, err *error) {
	metrics.Observe(op, start, *err)
}

// MatchAll returns all stored responses whose request URL matches the request,
// in storage order. HEAD requests never match.
func (c *Cache) MatchAll(ctx context.Context, req *Request, opts ...QueryOptions) (responses []*Response, err error) {
	defer observe(opMatchAll, time.Now(), &err)
	return c.matchAll(ctx, opMatchAll, req, queryOptions(opts))
}

func (c *Cache) matchAll(ctx context.Context, op string, req *Request, options QueryOptions) ([]*Response, error) {
	if req == nil {
		return nil, &ArgumentError{Op: op, Arg: "request"}
	}
	responses := make([]*Response, 0)
	if req.method() == http.MethodHead {
		return responses, nil
	}
	key, err := normalizeURL(op, req.URL)
	if err != nil {
		return nil, err
	}

	c.log.Trace().Str("url", key).Msg("Getting cached entries")
	err = c.backend.View(ctx, func(tx backend.Tx) error {
		cursor, err := tx.Scan(c.name)
		if err != nil {
			return err
		}
		defer cursor.Close()
		for cursor.Next() {
			rec := cursor.Record()
			if cachekey.Equal(key, rec.RequestURL, options.IgnoreSearch) {
				responses = append(responses, responseFromRecord(rec))
			}
		}
		return cursor.Err()
	})
	if err != nil {
		c.log.Error().Err(err).Str("url", key).Msg("Could not retrieve from cache")
		return nil, txError(op, err)
	}
	c.log.Trace().Str("url", key).Msgf("Found %v cache entries", len(responses))
	return responses, nil
}

// Match returns the first stored response matching the request, or nil.
func (c *Cache) Match(ctx context.Context, req *Request, opts ...QueryOptions) (res *Response, err error) {
	defer observe(opMatch, time.Now(), &err)
	responses, err := c.matchAll(ctx, opMatch, req, queryOptions(opts))
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		metrics.MatchesTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.MatchesTotal.WithLabelValues("hit").Inc()
	return responses[0], nil
}

// Put stores the response for the request, replacing any response stored
// for the same URL. The response body is consumed.
//
// Deleting the previous responses and inserting the new one happen in one
// transaction, so concurrent readers never see zero or two responses for
// the URL because of a put.
func (c *Cache) Put(ctx context.Context, req *Request, res *Response) (err error) {
	defer observe(opPut, time.Now(), &err)
	if req == nil {
		return &ArgumentError{Op: opPut, Arg: "request"}
	}
	rec, err := c.newRecord(opPut, req, res)
	if err != nil {
		return err
	}
	err = c.backend.Update(ctx, func(tx backend.Tx) error {
		return c.replace(tx, rec)
	})
	if err != nil {
		c.log.Error().Err(err).Str("url", rec.RequestURL).Msg("Could not write to cache")
		return txError(opPut, err)
	}
	c.log.Debug().Str("url", rec.RequestURL).Int("status", rec.Status).Msg("Cache write")
	return nil
}

// newRecord validates a request/response pair and turns it into a record.
// Nothing is read from the response body unless the pair is valid.
func (c *Cache) newRecord(op string, req *Request, res *Response) (*backend.Record, error) {
	if res == nil {
		return nil, typeError(op, "a response is required")
	}
	if err := checkCacheable(op, req); err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status > 599 {
		return nil, typeError(op, "status "+strconv.Itoa(res.Status)+" is outside 200-599")
	}
	if res.Status == http.StatusPartialContent {
		return nil, typeError(op, "partial response (status code 206) is unsupported")
	}
	if res.Header.VaryWildcard() {
		return nil, typeError(op, "Vary header contains *")
	}
	if res.HasBody() && res.BodyUsed() {
		return nil, &TypeError{Op: op, Reason: "response body is already used", Err: ErrBodyUsed}
	}

	reqURL, err := normalizeURL(op, req.URL)
	if err != nil {
		return nil, err
	}
	resURL, err := normalizeURL(op, res.URL)
	if err != nil {
		return nil, err
	}
	if resURL == "" {
		resURL = reqURL
	}
	body, err := res.Bytes()
	if err == ErrBodyUsed {
		return nil, &TypeError{Op: op, Reason: "response body is already used", Err: err}
	} else if err != nil {
		return nil, &TypeError{Op: op, Reason: "could not read response body", Err: err}
	}

	return &backend.Record{
		CacheName:     c.name,
		RequestURL:    reqURL,
		RequestMethod: req.method(),
		Status:        res.Status,
		StatusText:    res.StatusText,
		Headers:       res.Header.Clone(),
		Body:          body,
		ResponseURL:   resURL,
	}, nil
}

// replace deletes the records stored for the URL of rec and inserts rec.
// It fails with ErrCacheNotFound if the cache has been deleted.
func (c *Cache) replace(tx backend.Tx, rec *backend.Record) error {
	if ok, err := tx.HasName(c.name); err != nil {
		return err
	} else if !ok {
		return ErrCacheNotFound
	}
	if _, err := deleteMatching(tx, c.name, rec.RequestURL, rec.RequestMethod, false); err != nil {
		return err
	}
	_, err := tx.Insert(rec)
	return err
}

// Delete removes every stored response whose request matches the request.
// It returns true if anything was deleted.
func (c *Cache) Delete(ctx context.Context, req *Request, opts ...QueryOptions) (deleted bool, err error) {
	defer observe(opDelete, time.Now(), &err)
	if req == nil {
		return false, &ArgumentError{Op: opDelete, Arg: "request"}
	}
	options := queryOptions(opts)
	method := req.method()
	if method != http.MethodGet && method != http.MethodHead && !options.IgnoreMethod {
		return false, nil
	}
	key, err := normalizeURL(opDelete, req.URL)
	if err != nil {
		return false, err
	}

	var n int
	err = c.backend.Update(ctx, func(tx backend.Tx) (err error) {
		n, err = deleteMatching(tx, c.name, key, method, options.IgnoreMethod)
		return err
	})
	if err != nil {
		c.log.Error().Err(err).Str("url", key).Msg("Could not delete from cache")
		return false, txError(opDelete, err)
	}
	c.log.Debug().Str("url", key).Int("deleted", n).Msg("Cache delete")
	return n > 0, nil
}

// deleteMatching deletes all records of the cache with the given URL, and
// the given method unless ignoreMethod is set. It visits every record, since
// more than one may match.
func deleteMatching(tx backend.Tx, cacheName, key, method string, ignoreMethod bool) (int, error) {
	cursor, err := tx.Scan(cacheName)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0)
	for cursor.Next() {
		rec := cursor.Record()
		if rec.RequestURL == key && (ignoreMethod || rec.RequestMethod == method) {
			ids = append(ids, rec.ID)
		}
	}
	if err := cursor.Err(); err != nil {
		cursor.Close()
		return 0, err
	}
	// the cursor must be released before writing in the same transaction
	if err := cursor.Close(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Keys returns the requests of the stored pairs, in storage order.
// With a nil request all of them are returned, otherwise only the ones
// matching the request.
func (c *Cache) Keys(ctx context.Context, req *Request, opts ...QueryOptions) (requests []*Request, err error) {
	defer observe(opKeys, time.Now(), &err)
	options := queryOptions(opts)
	requests = make([]*Request, 0)

	var key string
	if req != nil {
		if req.method() != http.MethodGet && !options.IgnoreMethod {
			return requests, nil
		}
		if key, err = normalizeURL(opKeys, req.URL); err != nil {
			return nil, err
		}
	}

	var records []backend.Record
	err = c.backend.View(ctx, func(tx backend.Tx) (err error) {
		records, err = tx.All(c.name)
		return err
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Could not list cache keys")
		return nil, txError(opKeys, err)
	}

	for _, rec := range records {
		if req != nil && !cachekey.Equal(rec.RequestURL, key, options.IgnoreSearch) {
			continue
		}
		requests = append(requests, &Request{URL: rec.RequestURL, Method: rec.RequestMethod})
	}
	return requests, nil
}

// Add fetches the request and stores the response.
func (c *Cache) Add(ctx context.Context, req *Request) (err error) {
	defer observe(opAdd, time.Now(), &err)
	if req == nil {
		return &ArgumentError{Op: opAdd, Arg: "request"}
	}
	return c.addAll(ctx, opAdd, []*Request{req})
}

// AddAll fetches all requests and stores the responses.
// Either every response is stored or none is: all fetches must succeed
// before anything is written, and the writes share one transaction.
// A nil slice is a missing argument; an empty slice does nothing.
func (c *Cache) AddAll(ctx context.Context, reqs []*Request) (err error) {
	defer observe(opAddAll, time.Now(), &err)
	if reqs == nil {
		return &ArgumentError{Op: opAddAll, Arg: "requests"}
	}
	return c.addAll(ctx, opAddAll, reqs)
}

func (c *Cache) addAll(ctx context.Context, op string, reqs []*Request) error {
	for _, req := range reqs {
		if req == nil {
			return typeError(op, "request is nil")
		}
		if err := checkCacheable(op, req); err != nil {
			return err
		}
	}

	responses := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			c.log.Debug().Str("url", req.URL).Msg("Requesting content from origin")
			res, err := c.fetcher.Fetch(gctx, req)
			if err != nil {
				c.log.Warn().Err(err).Str("url", req.URL).Msg("Could not fetch")
				return &TypeError{Op: op, Reason: "fetch failed", Err: err}
			}
			if res == nil {
				return typeError(op, "fetch returned no response")
			}
			if res.Status == http.StatusPartialContent {
				metrics.FetchesTotal.WithLabelValues("rejected").Inc()
				return typeError(op, "partial response (status code 206) is unsupported")
			}
			if !res.OK() {
				metrics.FetchesTotal.WithLabelValues("rejected").Inc()
				return typeError(op, "request failed with status "+http.StatusText(res.Status))
			}
			responses[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	records := make([]*backend.Record, len(reqs))
	for i := range reqs {
		rec, err := c.newRecord(op, reqs[i], responses[i])
		if err != nil {
			return err
		}
		records[i] = rec
	}
	err := c.backend.Update(ctx, func(tx backend.Tx) error {
		for _, rec := range records {
			if err := c.replace(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Could not write fetched responses to cache")
		return txError(op, err)
	}
	c.log.Debug().Int("count", len(records)).Msg("Cache write")
	return nil
}

func responseFromRecord(rec backend.Record) *Response {
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	return NewStreamResponse(bytes.NewReader(body), ResponseInit{
		Status:     rec.Status,
		StatusText: rec.StatusText,
		Header:     rec.Headers,
		URL:        rec.ResponseURL,
	})
}
