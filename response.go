package cachestorage

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/always-cache/cache-storage/pkg/header"
)

// ResponseInit holds the fields of a new Response.
type ResponseInit struct {
	// Defaults to 200.
	Status     int
	StatusText string
	Header     header.List
	URL        string
}

// Response describes the response part of a stored pair.
// Its body can be read once.
type Response struct {
	Status     int
	StatusText string
	Header     header.List
	URL        string

	mu       sync.Mutex
	body     io.Reader
	bodyUsed bool
}

// NewResponse creates a response with the given body.
// A nil body creates a response without a body.
func NewResponse(body []byte, init ResponseInit) *Response {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return NewStreamResponse(r, init)
}

// NewStreamResponse creates a response reading its body from r.
func NewStreamResponse(r io.Reader, init ResponseInit) *Response {
	status := init.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		Status:     status,
		StatusText: init.StatusText,
		Header:     init.Header.Clone(),
		URL:        init.URL,
		body:       r,
	}
}

// ResponseFromHTTP reads an http.Response into a Response.
// The http.Response body is read to the end but not closed.
func ResponseFromHTTP(res *http.Response) (*Response, error) {
	init := ResponseInit{
		Status:     res.StatusCode,
		StatusText: strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)+" "),
		Header:     header.FromHTTP(res.Header),
	}
	if res.Request != nil && res.Request.URL != nil {
		init.URL = res.Request.URL.String()
	}
	var body []byte
	if res.Body != nil && res.Body != http.NoBody {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	if body == nil {
		body = []byte{}
	}
	return NewResponse(body, init), nil
}

// OK reports whether the status is in the range 200-299.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// HasBody reports whether the response has a body, read or not.
func (r *Response) HasBody() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body != nil
}

// BodyUsed reports whether reading the body has started.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodyUsed
}

// Body returns a reader for the body, or nil if there is none.
// The body counts as used as soon as it is read from.
func (r *Response) Body() io.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body == nil {
		return nil
	}
	return &bodyReader{res: r}
}

// Bytes reads the whole body.
// It returns ErrBodyUsed if the body has been read before.
func (r *Response) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyUsed {
		return nil, ErrBodyUsed
	}
	r.bodyUsed = true
	if r.body == nil {
		return []byte{}, nil
	}
	return io.ReadAll(r.body)
}

// Text reads the whole body as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// Clone returns a copy of the response with its own body.
// It fails with ErrBodyUsed if the body has already been read.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyUsed {
		return nil, ErrBodyUsed
	}
	init := ResponseInit{Status: r.Status, StatusText: r.StatusText, Header: r.Header, URL: r.URL}
	if r.body == nil {
		return NewResponse(nil, init), nil
	}
	b, err := io.ReadAll(r.body)
	if err != nil {
		return nil, err
	}
	// set body back
	r.body = bytes.NewReader(b)
	return NewResponse(append([]byte{}, b...), init), nil
}

// Write sends the response to a client, consuming the body.
// Nothing is written if the status is not a valid HTTP status code.
func (r *Response) Write(w http.ResponseWriter) error {
	if r.Status < 100 || r.Status > 999 {
		return fmt.Errorf("invalid status code %d", r.Status)
	}
	for _, f := range r.Header {
		w.Header().Add(f.Name, f.Value)
	}
	w.WriteHeader(r.Status)
	body := r.Body()
	if body == nil {
		return nil
	}
	_, err := io.Copy(w, body)
	return err
}

type bodyReader struct {
	res *Response
}

func (b *bodyReader) Read(p []byte) (int, error) {
	b.res.mu.Lock()
	defer b.res.mu.Unlock()
	b.res.bodyUsed = true
	return b.res.body.Read(p)
}
