package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/always-cache/cache-storage/pkg/header"
)

// Response is the plain representation of a stored response.
type Response struct {
	Status     int
	StatusText string
	Header     header.List
	Body       []byte
}

// Parse reads the HTTP/1.1 representation of a response, e.g.
//
//	HTTP/1.1 200 OK
//	Content-Type: text/plain
//
//	hi
//
// Header field order and duplicates are preserved, and both CRLF and bare LF
// line endings are accepted. Everything after the blank line is the body.
func Parse(b []byte) (Response, error) {
	var res Response
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))

	statusLine, err := tp.ReadLine()
	if err != nil {
		return res, fmt.Errorf("read status line: %w", err)
	}
	proto, status, _ := strings.Cut(statusLine, " ")
	if !strings.HasPrefix(proto, "HTTP/") {
		return res, fmt.Errorf("malformed status line: %q", statusLine)
	}
	code, text, _ := strings.Cut(status, " ")
	if res.Status, err = strconv.Atoi(code); err != nil || res.Status < 100 || res.Status > 999 {
		return res, fmt.Errorf("malformed status code: %q", code)
	}
	res.StatusText = text

	res.Header = header.List{}
	for {
		line, err := tp.ReadContinuedLine()
		if err != nil && err != io.EOF {
			return res, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return res, fmt.Errorf("malformed header line: %q", line)
		}
		res.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		if err == io.EOF {
			break
		}
	}

	res.Body, err = io.ReadAll(tp.R)
	return res, err
}

// Write writes the HTTP/1.1 representation of a response.
// The status text falls back to the status code if empty.
func Write(w io.Writer, res Response) error {
	text := res.StatusText
	if text == "" {
		text = strconv.Itoa(res.Status)
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", res.Status, text)
	for _, f := range res.Header {
		fmt.Fprintf(buf, "%s: %s\r\n", f.Name, f.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(res.Body)
	_, err := buf.WriteTo(w)
	return err
}
