package cachestorage

import (
	"net/http"
	"strings"

	cachekey "github.com/always-cache/cache-storage/pkg/cache-key"
	"github.com/always-cache/cache-storage/pkg/header"
)

// Request describes the request part of a stored pair.
type Request struct {
	URL string
	// Empty means GET.
	Method string
	Header header.List
}

// NewRequest returns a GET request for the URL.
// It is the equivalent of passing a plain URL string as a request.
func NewRequest(url string) *Request {
	return &Request{URL: url, Method: http.MethodGet}
}

// NewRequestWithMethod returns a request with the given method.
func NewRequestWithMethod(method, url string) *Request {
	return &Request{URL: url, Method: method}
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// normalizeURL returns the key form of a URL, with invalid URLs reported as type errors.
func normalizeURL(op, rawURL string) (string, error) {
	key, err := cachekey.Normalize(rawURL)
	if err != nil {
		return "", &TypeError{Op: op, Reason: "invalid URL", Err: err}
	}
	return key, nil
}

// checkCacheable returns a type error unless the request may be stored,
// i.e. it is a GET request for an http or https URL.
func checkCacheable(op string, r *Request) error {
	if err := cachekey.CheckScheme(r.URL); err != nil {
		scheme := cachekey.Scheme(r.URL)
		return &TypeError{Op: op, Reason: "request scheme '" + scheme + "' is unsupported", Err: err}
	}
	if m := r.method(); m != http.MethodGet {
		return typeError(op, "request method '"+m+"' is unsupported")
	}
	return nil
}
