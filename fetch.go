package cachestorage

import (
	"context"
	"net/http"

	"github.com/always-cache/cache-storage/internal/metrics"
)

// Fetcher obtains the response for a request.
// It is used by Cache.Add and Cache.AddAll.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches responses over the network.
type HTTPFetcher struct {
	// Client to use. http.DefaultClient is used if nil.
	Client *http.Client
}

// Fetch sends the request and reads the whole response.
// The response URL is the URL of the last request, after redirects.
func (f HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, nil)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	for _, f := range req.Header {
		httpReq.Header.Add(f.Name, f.Value)
	}

	httpRes, err := client.Do(httpReq)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer httpRes.Body.Close()

	res, err := ResponseFromHTTP(httpRes)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FetchesTotal.WithLabelValues("success").Inc()
	return res, nil
}
