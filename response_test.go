package cachestorage

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/cache-storage/pkg/header"

	platformerrors "github.com/jmgilman/go/errors"
)

func TestResponseBodyReadOnce(t *testing.T) {
	res := NewResponse([]byte("This is the body"), ResponseInit{})
	if res.Status != http.StatusOK || !res.OK() {
		t.Fatalf("Status is %d", res.Status)
	}
	if body, err := res.Text(); err != nil || body != "This is the body" {
		t.Fatalf("Body is %s (%v)", body, err)
	}
	if !res.BodyUsed() {
		t.Fatal("Body not marked as used")
	}
	if _, err := res.Bytes(); !errors.Is(err, ErrBodyUsed) {
		t.Fatalf("Error is %v", err)
	}
	if _, err := res.Clone(); !errors.Is(err, ErrBodyUsed) {
		t.Fatalf("Clone error is %v", err)
	}
}

func TestResponseBodyReaderMarksUsed(t *testing.T) {
	res := NewStreamResponse(strings.NewReader("streamed"), ResponseInit{})
	if res.BodyUsed() {
		t.Fatal("Body used before reading")
	}
	buf := make([]byte, 3)
	if _, err := res.Body().Read(buf); err != nil {
		t.Fatal(err)
	}
	if !res.BodyUsed() {
		t.Fatal("Body not used after partial read")
	}
}

func TestResponseNullBody(t *testing.T) {
	res := NewResponse(nil, ResponseInit{Status: 204})
	if res.HasBody() || res.Body() != nil {
		t.Fatal("Null body response has a body")
	}
	if b, err := res.Bytes(); err != nil || len(b) != 0 {
		t.Fatalf("Body is %q (%v)", b, err)
	}
}

func TestResponseClone(t *testing.T) {
	res := NewResponse([]byte("body"), ResponseInit{Header: header.List{{Name: "X-Test", Value: "1"}}})
	clone, err := res.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.Header.Set("X-Test", "2")
	if res.Header.Get("X-Test") != "1" {
		t.Fatal("Clone shares headers")
	}
	for _, r := range []*Response{res, clone} {
		if body, _ := r.Text(); body != "body" {
			t.Fatalf("Body is %s", body)
		}
	}
}

func TestResponseFromHTTP(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nServer: Test\r\nContent-Length: 12\r\n\r\nno such page"
	req, _ := http.NewRequest("GET", "https://example.com/missing", nil)
	httpRes, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), req)
	if err != nil {
		t.Fatal(err)
	}

	res, err := ResponseFromHTTP(httpRes)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 404 || res.StatusText != "Not Found" || res.OK() {
		t.Fatalf("Status is %d %s", res.Status, res.StatusText)
	}
	if res.URL != "https://example.com/missing" {
		t.Fatalf("URL is %s", res.URL)
	}
	if res.Header.Get("server") != "Test" {
		t.Fatalf("Headers are %v", res.Header)
	}
	if body, _ := res.Text(); body != "no such page" {
		t.Fatalf("Body is %s", body)
	}
}

func TestResponseWrite(t *testing.T) {
	res := NewResponse([]byte("hi"), ResponseInit{
		Status: 201,
		Header: header.List{{Name: "Set-Cookie", Value: "a=1"}, {Name: "Set-Cookie", Value: "b=2"}},
	})
	rr := httptest.NewRecorder()
	if err := res.Write(rr); err != nil {
		t.Fatal(err)
	}
	if rr.Code != 201 {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cookies := rr.Result().Header.Values("Set-Cookie"); len(cookies) != 2 {
		t.Fatalf("Cookies are %v", cookies)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "hi" {
		t.Fatalf("Body is %s", body)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk full")
	tests := []struct {
		err    error
		target error
	}{
		{&ArgumentError{Op: opAddAll, Arg: "requests"}, ErrArgument},
		{typeError(opPut, "Vary header contains *"), ErrType},
		{txError(opPut, cause), ErrTransaction},
		{txError(opPut, cause), cause},
		{txError(opPut, ErrCacheNotFound), ErrCacheNotFound},
	}
	for _, test := range tests {
		if !errors.Is(test.err, test.target) {
			t.Fatalf("%v is not %v", test.err, test.target)
		}
	}
	if errors.Is(txError(opPut, ErrCacheNotFound), ErrTransaction) {
		t.Fatal("Missing cache reported as transaction error")
	}
	if txError(opPut, nil) != nil {
		t.Fatal("Nil error wrapped")
	}

	codes := map[error]platformerrors.ErrorCode{
		&ArgumentError{Op: opAdd, Arg: "request"}: platformerrors.CodeInvalidInput,
		typeError(opPut, "Vary header contains *"): platformerrors.CodeInvalidInput,
		txError(opPut, cause):                      platformerrors.CodeDatabase,
		ErrCacheNotFound:                           platformerrors.CodeNotFound,
	}
	for err, code := range codes {
		if got := platformerrors.GetCode(err); got != code {
			t.Fatalf("Code of %v is %s", err, got)
		}
	}
	if !platformerrors.IsRetryable(txError(opPut, cause)) {
		t.Fatal("Transaction error not retryable")
	}
}

func TestResponseWriteInvalidStatus(t *testing.T) {
	res := NewResponse([]byte("x"), ResponseInit{Status: 50})
	rr := httptest.NewRecorder()
	if err := res.Write(rr); err == nil {
		t.Fatal("Invalid status written")
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("Body is %s", rr.Body)
	}
}
