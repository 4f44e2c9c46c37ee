package cachestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/cache-storage/backend"
	"github.com/always-cache/cache-storage/pkg/header"
)

func TestPutMatchDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		req := NewRequest("https://example.com/foo")

		if err := c.Put(ctx, req, NewResponse([]byte("hi"), ResponseInit{Status: 200})); err != nil {
			t.Fatal(err)
		}
		res, err := c.Match(ctx, NewRequest("https://example.com/foo"))
		if err != nil || res == nil {
			t.Fatalf("Match returned %v (%v)", res, err)
		}
		if body, _ := res.Text(); res.Status != 200 || body != "hi" {
			t.Fatalf("Response is %d %s", res.Status, body)
		}

		deleted, err := c.Delete(ctx, NewRequest("https://example.com/foo"))
		if err != nil || !deleted {
			t.Fatalf("Delete returned %v (%v)", deleted, err)
		}
		if res, err := c.Match(ctx, req); err != nil || res != nil {
			t.Fatalf("Match after delete returned %v (%v)", res, err)
		}
		if deleted, _ := c.Delete(ctx, req); deleted {
			t.Fatal("Second delete reported a deletion")
		}
	})
}

func TestMatchReturnsStoredResponse(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		headers := header.List{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
		}
		res := NewResponse([]byte("hello"), ResponseInit{
			Status:     203,
			StatusText: "Non-Authoritative Information",
			Header:     headers,
		})
		if err := c.Put(ctx, NewRequest("https://example.com/page#top"), res); err != nil {
			t.Fatal(err)
		}

		got, err := c.Match(ctx, NewRequest("https://example.com/page"))
		if err != nil || got == nil {
			t.Fatalf("Match returned %v (%v)", got, err)
		}
		if got.Status != 203 || got.StatusText != "Non-Authoritative Information" {
			t.Fatalf("Status is %d %s", got.Status, got.StatusText)
		}
		if got.URL != "https://example.com/page" {
			t.Fatalf("URL is %s", got.URL)
		}
		if len(got.Header) != len(headers) {
			t.Fatalf("Headers are %v", got.Header)
		}
		for i := range headers {
			if got.Header[i] != headers[i] {
				t.Fatalf("Header %d is %v, expected %v", i, got.Header[i], headers[i])
			}
		}
		if body, _ := got.Text(); body != "hello" {
			t.Fatalf("Body is %s", body)
		}
	})
}

func TestPutReplacesEntry(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/foo", "first")
		putText(t, c, "https://example.com/foo#again", "second")

		keys, err := c.Keys(ctx, nil)
		if err != nil || len(keys) != 1 {
			t.Fatalf("Keys are %v (%v)", keys, err)
		}
		responses, _ := c.MatchAll(ctx, NewRequest("https://example.com/foo"))
		if len(responses) != 1 {
			t.Fatalf("Found %d responses", len(responses))
		}
		if body, _ := responses[0].Text(); body != "second" {
			t.Fatalf("Body is %s", body)
		}
	})
}

func TestMatchIgnoresFragment(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/foo", "plain")
		putText(t, c, "https://example.com/bar#frag", "fragment")

		if res, _ := c.Match(ctx, NewRequest("https://example.com/foo#bar")); res == nil {
			t.Fatal("No match with fragment in lookup")
		}
		if res, _ := c.Match(ctx, NewRequest("https://example.com/bar")); res == nil {
			t.Fatal("No match with fragment in stored URL")
		}
	})
}

func TestMatchSearch(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/search?q=1", "one")
		putText(t, c, "https://example.com/search?q=2", "two")

		if res, _ := c.Match(ctx, NewRequest("https://example.com/search")); res != nil {
			t.Fatal("Matched without query string")
		}
		responses, err := c.MatchAll(ctx, NewRequest("https://example.com/search"), QueryOptions{IgnoreSearch: true})
		if err != nil || len(responses) != 2 {
			t.Fatalf("Found %d responses (%v)", len(responses), err)
		}
		if body, _ := responses[0].Text(); body != "one" {
			t.Fatalf("First body is %s", body)
		}
	})
}

func TestMatchAllHeadIsEmpty(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/foo", "hi")

		responses, err := c.MatchAll(ctx, NewRequestWithMethod("HEAD", "https://example.com/foo"))
		if err != nil || responses == nil || len(responses) != 0 {
			t.Fatalf("HEAD matched %v (%v)", responses, err)
		}
		if res, _ := c.Match(ctx, NewRequestWithMethod("head", "https://example.com/foo")); res != nil {
			t.Fatal("HEAD matched")
		}
	})
}

func TestPutValidation(t *testing.T) {
	used := NewResponse([]byte("used"), ResponseInit{})
	io.ReadAll(used.Body())

	tests := []struct {
		name string
		req  *Request
		res  *Response
	}{
		{"nil response", NewRequest("https://example.com/"), nil},
		{"scheme", NewRequest("ftp://example.com/"), NewResponse(nil, ResponseInit{})},
		{"relative URL", NewRequest("/foo"), NewResponse(nil, ResponseInit{})},
		{"method", NewRequestWithMethod("POST", "https://example.com/"), NewResponse(nil, ResponseInit{})},
		{"partial", NewRequest("https://example.com/"), NewResponse([]byte("x"), ResponseInit{Status: 206})},
		{"vary", NewRequest("https://example.com/"), NewResponse(nil, ResponseInit{Header: header.List{{Name: "vary", Value: "Accept, *"}}})},
		{"body used", NewRequest("https://example.com/"), used},
	}

	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		for _, test := range tests {
			err := c.Put(ctx, test.req, test.res)
			if !errors.Is(err, ErrType) {
				t.Fatalf("%s: error is %v", test.name, err)
			}
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 0 {
			t.Fatalf("Invalid puts stored %d entries", len(keys))
		}
		if err := c.Put(ctx, nil, NewResponse(nil, ResponseInit{})); !errors.Is(err, ErrArgument) {
			t.Fatalf("Error for nil request is %v", err)
		}
	})
}

func TestPutVaryWildcardStoresNothing(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/foo", "old")

		res := NewResponse([]byte("new"), ResponseInit{Header: header.List{{Name: "Vary", Value: "*"}}})
		var typeErr *TypeError
		if err := c.Put(ctx, NewRequest("https://example.com/foo"), res); !errors.As(err, &typeErr) {
			t.Fatalf("Error is %v", err)
		}
		if res.BodyUsed() {
			t.Fatal("Rejected put consumed the body")
		}
		// the old entry is kept
		got, _ := c.Match(ctx, NewRequest("https://example.com/foo"))
		if body, _ := got.Text(); body != "old" {
			t.Fatalf("Body is %s", body)
		}
	})
}

func TestPutConsumesBody(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		res := NewStreamResponse(strings.NewReader("streamed"), ResponseInit{})
		if err := c.Put(ctx, NewRequest("https://example.com/stream"), res); err != nil {
			t.Fatal(err)
		}
		if !res.BodyUsed() {
			t.Fatal("Body not used after put")
		}
		if err := c.Put(ctx, NewRequest("https://example.com/stream"), res); !errors.Is(err, ErrBodyUsed) {
			t.Fatalf("Second put error is %v", err)
		}
		got, _ := c.Match(ctx, NewRequest("https://example.com/stream"))
		if body, _ := got.Text(); body != "streamed" {
			t.Fatalf("Body is %s", body)
		}
	})
}

func TestPutNullBody(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		res := NewResponse(nil, ResponseInit{Status: 204, URL: "https://cdn.example.com/empty#x"})
		if err := c.Put(ctx, NewRequest("https://example.com/empty"), res); err != nil {
			t.Fatal(err)
		}
		got, _ := c.Match(ctx, NewRequest("https://example.com/empty"))
		if got == nil || got.Status != 204 {
			t.Fatalf("Response is %v", got)
		}
		if got.URL != "https://cdn.example.com/empty" {
			t.Fatalf("URL is %s", got.URL)
		}
		if body, err := got.Text(); err != nil || body != "" {
			t.Fatalf("Body is %q (%v)", body, err)
		}
	})
}

func TestDeleteMethods(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/foo", "hi")

		if deleted, err := c.Delete(ctx, NewRequestWithMethod("POST", "https://example.com/foo")); err != nil || deleted {
			t.Fatalf("POST delete returned %v (%v)", deleted, err)
		}
		if deleted, err := c.Delete(ctx, NewRequestWithMethod("HEAD", "https://example.com/foo")); err != nil || deleted {
			t.Fatalf("HEAD delete returned %v (%v)", deleted, err)
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 1 {
			t.Fatalf("Cache has %d entries", len(keys))
		}
		deleted, err := c.Delete(ctx, NewRequestWithMethod("POST", "https://example.com/foo#x"), QueryOptions{IgnoreMethod: true})
		if err != nil || !deleted {
			t.Fatalf("Delete ignoring method returned %v (%v)", deleted, err)
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 0 {
			t.Fatalf("Cache has %d entries", len(keys))
		}
	})
}

func TestDeleteKeepsOtherCaches(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		a := openCache(t, s, "a")
		b := openCache(t, s, "b")
		putText(t, a, "https://example.com/foo", "a")
		putText(t, b, "https://example.com/foo", "b")

		if deleted, _ := a.Delete(ctx, NewRequest("https://example.com/foo")); !deleted {
			t.Fatal("Nothing deleted")
		}
		if res, _ := b.Match(ctx, NewRequest("https://example.com/foo")); res == nil {
			t.Fatal("Entry deleted from other cache")
		}
	})
}

func TestKeys(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		urls := []string{
			"https://example.com/b",
			"https://example.com/a?x=1",
			"https://example.com/a?x=2",
		}
		for _, url := range urls {
			putText(t, c, url, url)
		}

		keys, err := c.Keys(ctx, nil)
		if err != nil || len(keys) != len(urls) {
			t.Fatalf("Keys are %v (%v)", keys, err)
		}
		for i, key := range keys {
			if key.URL != urls[i] || key.Method != "GET" {
				t.Fatalf("Key %d is %s %s", i, key.Method, key.URL)
			}
		}

		if keys, _ := c.Keys(ctx, NewRequest("https://example.com/a?x=2#f")); len(keys) != 1 || keys[0].URL != urls[2] {
			t.Fatalf("Keys for request are %v", keys)
		}
		if keys, _ := c.Keys(ctx, NewRequest("https://example.com/a")); len(keys) != 0 {
			t.Fatalf("Keys without search are %v", keys)
		}
		if keys, _ := c.Keys(ctx, NewRequest("https://example.com/a"), QueryOptions{IgnoreSearch: true}); len(keys) != 2 {
			t.Fatalf("Keys ignoring search are %v", keys)
		}
		if keys, err := c.Keys(ctx, NewRequestWithMethod("POST", "https://example.com/b")); err != nil || keys == nil || len(keys) != 0 {
			t.Fatalf("Keys for POST are %v (%v)", keys, err)
		}
		if keys, _ := c.Keys(ctx, NewRequestWithMethod("POST", "https://example.com/b"), QueryOptions{IgnoreMethod: true}); len(keys) != 1 {
			t.Fatalf("Keys for POST ignoring method are %v", keys)
		}
	})
}

func TestConcurrentPutsKeepOneEntry(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		const url = "https://example.com/race"
		putText(t, c, url, "initial")

		var wg sync.WaitGroup
		errs := make(chan error, 100)
		for i := 0; i < 10; i++ {
			i := i
			wg.Add(2)
			go func() {
				defer wg.Done()
				res := NewResponse([]byte(fmt.Sprintf("body %d", i)), ResponseInit{})
				if err := c.Put(ctx, NewRequest(url), res); err != nil {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				responses, err := c.MatchAll(ctx, NewRequest(url))
				if err != nil {
					errs <- err
				} else if len(responses) != 1 {
					errs <- fmt.Errorf("found %d responses", len(responses))
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 1 {
			t.Fatalf("Cache has %d entries", len(keys))
		}
	})
}

func TestPutErrorStatus(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		res := NewResponse([]byte{}, ResponseInit{Status: 500, StatusText: "Internal Server Error"})
		if err := c.Put(ctx, NewRequest("https://example.com/status/500"), res); err != nil {
			t.Fatal(err)
		}
		got, _ := c.Match(ctx, NewRequest("https://example.com/status/500"))
		if got == nil || got.Status != 500 || got.OK() {
			t.Fatalf("Response is %v", got)
		}
		if body, _ := got.Text(); body != "" {
			t.Fatalf("Body is %s", body)
		}
	})
}

func TestDeleteRemovesDuplicates(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		putText(t, c, "https://example.com/other", "other")
		err := s.backend.Update(ctx, func(tx backend.Tx) error {
			for i := 0; i < 2; i++ {
				_, err := tx.Insert(&backend.Record{
					CacheName:     "v1",
					RequestURL:    "https://example.com/dup",
					RequestMethod: "GET",
					Status:        200,
					Body:          []byte(fmt.Sprint(i)),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		deleted, err := c.Delete(ctx, NewRequest("https://example.com/dup"))
		if err != nil || !deleted {
			t.Fatalf("Delete returned %v (%v)", deleted, err)
		}
		if keys, _ := c.Keys(ctx, NewRequest("https://example.com/dup")); len(keys) != 0 {
			t.Fatalf("Keys after delete are %v", keys)
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 1 || keys[0].URL != "https://example.com/other" {
			t.Fatalf("Remaining keys are %v", keys)
		}
	})
}

func TestPutStatusRange(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		for _, status := range []int{50, 199, 600, 1000} {
			err := c.Put(ctx, NewRequest("https://example.com/"), NewResponse(nil, ResponseInit{Status: status}))
			if !errors.Is(err, ErrType) {
				t.Fatalf("Error for status %d is %v", status, err)
			}
		}
		if keys, _ := c.Keys(ctx, nil); len(keys) != 0 {
			t.Fatalf("Cache has %d entries", len(keys))
		}
	})
}

func TestKeysChecksMethodFirst(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *CacheStorage) {
		ctx := context.Background()
		c := openCache(t, s, "v1")
		keys, err := c.Keys(ctx, NewRequestWithMethod("POST", "http://[::1"))
		if err != nil || keys == nil || len(keys) != 0 {
			t.Fatalf("Keys for POST are %v (%v)", keys, err)
		}
		if _, err := c.Keys(ctx, NewRequest("http://[::1")); !errors.Is(err, ErrType) {
			t.Fatalf("Error for GET is %v", err)
		}
	})
}
