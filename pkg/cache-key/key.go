package cachekey

import (
	"fmt"
	"net/url"
	"strings"
)

var ErrorSchemeNotSupported = fmt.Errorf("Scheme not supported")

const (
	fragmentSeparator = "#"
	searchSeparator   = "?"
)

// Normalize returns the key form of a request or response URL.
// The fragment is dropped, scheme and host are lower-cased and an empty path
// on an absolute URL becomes "/", so that e.g. "http://Example.com#top" and
// "http://example.com/" produce the same key.
// An empty URL stays empty.
func Normalize(rawURL string) (string, error) {
	if rawURL == "" {
		return "", nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return strings.TrimSuffix(u.String(), fragmentSeparator), nil
}

// StripSearch returns the key without its query string.
func StripSearch(key string) string {
	key, _, _ = strings.Cut(key, searchSeparator)
	return key
}

// Equal compares two normalized keys.
// If ignoreSearch is set, query strings on both sides are not compared.
func Equal(a, b string, ignoreSearch bool) bool {
	if ignoreSearch {
		return StripSearch(a) == StripSearch(b)
	}
	return a == b
}

// Scheme returns the lower-cased scheme of a URL, or an empty string for
// relative or invalid URLs.
func Scheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// CheckScheme returns ErrorSchemeNotSupported unless the URL is http or https.
func CheckScheme(rawURL string) error {
	switch Scheme(rawURL) {
	case "http", "https":
		return nil
	}
	return ErrorSchemeNotSupported
}
