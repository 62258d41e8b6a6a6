// Package h1 provides HTTP/1.x request-line and header parsing over a
// blocking buffered reader.
package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// DefaultMaxLineBytes bounds a single request or header line. A request line
// that exceeds it maps to 414 at the connection layer.
const DefaultMaxLineBytes = 8192

var (
	// ErrLineTooLong is returned when a request or header line exceeds the limit.
	ErrLineTooLong = errors.New("h1: line too long")
	// ErrMalformedRequestLine is returned when the request line does not have
	// exactly three space-separated parts or an unknown version.
	ErrMalformedRequestLine = errors.New("h1: malformed request line")
)

// RequestLine is a parsed METHOD SP TARGET SP VERSION line.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// readLine reads a single CRLF (or bare LF) terminated line, enforcing limit.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return nil, ErrLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
	// Strip LF and optional CR.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// ReadRequestLine reads and parses the request line. Blank lines before the
// request line are skipped per RFC 9112 §2.2.
func ReadRequestLine(br *bufio.Reader, limit int) (RequestLine, error) {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	var line []byte
	for {
		var err error
		line, err = readLine(br, limit)
		if err != nil {
			return RequestLine{}, err
		}
		if len(line) > 0 {
			break
		}
	}

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return RequestLine{}, ErrMalformedRequestLine
	}
	rl := RequestLine{
		Method:  string(parts[0]),
		Target:  string(parts[1]),
		Version: string(parts[2]),
	}
	if rl.Version != "HTTP/1.1" && rl.Version != "HTTP/1.0" {
		return RequestLine{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedRequestLine, rl.Version)
	}
	return rl, nil
}

// ReadHeaders reads header lines until the blank terminator. Each header is
// returned as a (name, value) pair exactly as it appeared on the wire, one
// pair per physical line; obs-folded continuation lines are appended to the
// preceding value.
func ReadHeaders(br *bufio.Reader, limit int) ([][2]string, error) {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	var headers [][2]string
	for {
		line, err := readLine(br, limit)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			return headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, fmt.Errorf("h1: continuation line before first header")
			}
			headers[len(headers)-1][1] += " " + string(bytes.TrimLeft(line, " \t"))
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			return nil, fmt.Errorf("h1: invalid header line %q", line)
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		headers = append(headers, [2]string{name, value})
	}
}

// ContentLength extracts the declared body length from headers, returning -1
// when absent.
func ContentLength(headers [][2]string) (int64, error) {
	for _, h := range headers {
		if AsciiEqualFold(h[0], "Content-Length") {
			n, err := strconv.ParseInt(h[1], 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("h1: invalid content-length %q", h[1])
			}
			return n, nil
		}
	}
	return -1, nil
}

// IsChunked reports whether the request body uses chunked transfer coding.
func IsChunked(headers [][2]string) bool {
	for _, h := range headers {
		if AsciiEqualFold(h[0], "Transfer-Encoding") && AsciiContainsFold(h[1], "chunked") {
			return true
		}
	}
	return false
}

// KeepAlive reports whether the connection should stay open after the
// response, given the protocol version and Connection header.
func KeepAlive(version string, headers [][2]string) bool {
	keep := version == "HTTP/1.1"
	for _, h := range headers {
		if !AsciiEqualFold(h[0], "Connection") {
			continue
		}
		if AsciiContainsFold(h[1], "close") {
			keep = false
		} else if AsciiContainsFold(h[1], "keep-alive") {
			keep = true
		}
	}
	return keep
}

// AsciiEqualFold reports whether a equals b under ASCII case-insensitive
// comparison.
func AsciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca := a[i]
		cb := b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca |= 0x20
		}
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// AsciiContainsFold reports whether s contains sub under ASCII
// case-insensitive comparison.
func AsciiContainsFold(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	n, m := len(s), len(sub)
	if m > n {
		return false
	}
	for i := 0; i <= n-m; i++ {
		if AsciiEqualFold(s[i:i+m], sub) {
			return true
		}
	}
	return false
}
