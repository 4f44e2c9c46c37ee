// Package server exposes a cache storage over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cachestorage "github.com/always-cache/cache-storage"
	serializer "github.com/always-cache/cache-storage/pkg/response-serializer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusHeader is set on responses served from a cache.
const StatusHeader = "Cache-Storage"

// Largest accepted entry or add request body.
const maxBodySize = 32 << 20

type Config struct {
	Storage *cachestorage.CacheStorage
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Server struct {
	storage *cachestorage.CacheStorage
	log     zerolog.Logger
	router  chi.Router
}

// New creates the HTTP API for the storage.
func New(config Config) *Server {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	s := &Server{
		storage: config.Storage,
		log:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequest)
	r.Use(middleware.Recoverer)

	r.Get("/caches", s.listCaches)
	r.Route("/caches/{name}", func(r chi.Router) {
		r.Put("/", s.openCache)
		r.Head("/", s.hasCache)
		r.Delete("/", s.deleteCache)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCache)
			r.Get("/keys", s.keys)
			r.Get("/match", s.match)
			r.Put("/entries", s.putEntry)
			r.Delete("/entries", s.deleteEntry)
			r.Post("/add", s.add)
		})
	})
	r.Get("/match", s.matchAny)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", r.RemoteAddr).
			Int("status", ww.Status()).
			Str("cacheStorage", ww.Header().Get(StatusHeader)).
			Dur("duration", time.Since(start)).
			Msg("Sending response to client")
	})
}

// cacheName returns the decoded {name} route parameter.
func cacheName(r *http.Request) (string, error) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		return "", &cachestorage.TypeError{Op: "server", Reason: "invalid cache name", Err: err}
	}
	if name == "" {
		return "", &cachestorage.ArgumentError{Op: "server", Arg: "name"}
	}
	return name, nil
}

func (s *Server) requireCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, err := cacheName(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ok, err := s.storage.Has(r.Context(), name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			s.writeError(w, fmt.Errorf("%w: %s", cachestorage.ErrCacheNotFound, name))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listCaches(w http.ResponseWriter, r *http.Request) {
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) openCache(w http.ResponseWriter, r *http.Request) {
	name, err := cacheName(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.storage.Open(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hasCache(w http.ResponseWriter, r *http.Request) {
	name, err := cacheName(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.storage.Has(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCache(w http.ResponseWriter, r *http.Request) {
	name, err := cacheName(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	deleted, err := s.storage.Delete(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cache returns the handle for the {name} route parameter.
// Routes using it are behind requireCache. The handle never registers the
// name, so a put racing a delete of the cache fails with ErrCacheNotFound.
func (s *Server) cache(r *http.Request) (*cachestorage.Cache, error) {
	name, err := cacheName(r)
	if err != nil {
		return nil, err
	}
	return s.storage.Cache(name), nil
}

// requestFromQuery builds the request descriptor from the url and method
// query parameters. The url parameter is required unless optional is set.
func requestFromQuery(r *http.Request, optional bool) (*cachestorage.Request, error) {
	q := r.URL.Query()
	if !q.Has("url") {
		if optional {
			return nil, nil
		}
		return nil, &cachestorage.ArgumentError{Op: "server", Arg: "url"}
	}
	return cachestorage.NewRequestWithMethod(q.Get("method"), q.Get("url")), nil
}

func queryOptions(r *http.Request) (cachestorage.QueryOptions, error) {
	var opts cachestorage.QueryOptions
	q := r.URL.Query()
	for name, dst := range map[string]*bool{"ignoreSearch": &opts.IgnoreSearch, "ignoreMethod": &opts.IgnoreMethod} {
		if !q.Has(name) {
			continue
		}
		v, err := strconv.ParseBool(q.Get(name))
		if err != nil {
			return opts, &cachestorage.TypeError{Op: "server", Reason: "invalid " + name, Err: err}
		}
		*dst = v
	}
	return opts, nil
}

type key struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) {
	c, err := s.cache(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := requestFromQuery(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	requests, err := c.Keys(r.Context(), req, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys := make([]key, 0, len(requests))
	for _, req := range requests {
		keys = append(keys, key{URL: req.URL, Method: req.Method})
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	c, err := s.cache(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := requestFromQuery(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := c.Match(r.Context(), req, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMatch(w, c, res)
}

func (s *Server) matchAny(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromQuery(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, c, err := s.storage.Match(r.Context(), req, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMatch(w, c, res)
}

func (s *Server) writeMatch(w http.ResponseWriter, c *cachestorage.Cache, res *cachestorage.Response) {
	if res == nil {
		w.Header().Set(StatusHeader, "miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(StatusHeader, "hit; cache="+strconv.Quote(c.Name()))
	if res.URL != "" {
		w.Header().Set("Content-Location", res.URL)
	}
	if err := res.Write(w); err != nil {
		s.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (s *Server) putEntry(w http.ResponseWriter, r *http.Request) {
	c, err := s.cache(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := requestFromQuery(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, err)
		return
	}
	parsed, err := serializer.Parse(body)
	if err != nil {
		s.writeError(w, &cachestorage.TypeError{Op: "server", Reason: "invalid response", Err: err})
		return
	}
	res := cachestorage.NewResponse(parsed.Body, cachestorage.ResponseInit{
		Status:     parsed.Status,
		StatusText: parsed.StatusText,
		Header:     parsed.Header,
		URL:        r.URL.Query().Get("responseUrl"),
	})
	if err := c.Put(r.Context(), req, res); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	c, err := s.cache(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := requestFromQuery(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	deleted, err := c.Delete(r.Context(), req, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) add(w http.ResponseWriter, r *http.Request) {
	c, err := s.cache(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body addRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, err)
			return
		}
		s.writeError(w, &cachestorage.TypeError{Op: "server", Reason: "invalid JSON body", Err: err})
		return
	}
	if body.URLs == nil {
		s.writeError(w, &cachestorage.ArgumentError{Op: "server", Arg: "urls"})
		return
	}
	requests := make([]*cachestorage.Request, len(body.URLs))
	for i, u := range body.URLs {
		requests[i] = cachestorage.NewRequest(u)
	}
	if err := c.AddAll(r.Context(), requests); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusCode maps an operation error to a response status.
func statusCode(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	} else {
		s.log.Trace().Err(err).Msg("Request rejected")
	}
	writeJSON(w, status, platformerrors.ToJSON(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
