package fuzzy

import (
	"bufio"
	"strings"
	"testing"

	"github.com/albertbausili/testserve/internal/h1"
)

// FuzzRequestLine verifies the request-line parser rejects garbage with an
// error instead of panicking, and that accepted lines round-trip their parts.
func FuzzRequestLine(f *testing.F) {
	f.Add("GET / HTTP/1.1\r\n")
	f.Add("POST /submit?x=1 HTTP/1.0\r\n")
	f.Add("GET  /  HTTP/1.1\r\n")
	f.Add("\r\n\r\nGET / HTTP/1.1\r\n")
	f.Add("GET /\r\n")
	f.Add("GET / HTTP/9.9\r\n")
	f.Add("\x00\x01\x02\r\n")
	f.Add(strings.Repeat("A", 10000) + "\r\n")

	f.Fuzz(func(t *testing.T, input string) {
		br := bufio.NewReader(strings.NewReader(input))
		rl, err := h1.ReadRequestLine(br, h1.DefaultMaxLineBytes)
		if err != nil {
			return
		}
		if rl.Method == "" || rl.Target == "" {
			t.Errorf("accepted request line with empty parts: %+v from %q", rl, input)
		}
		if rl.Version != "HTTP/1.1" && rl.Version != "HTTP/1.0" {
			t.Errorf("accepted unsupported version %q", rl.Version)
		}
	})
}

// FuzzHeaders verifies header parsing terminates and never panics on
// arbitrary input.
func FuzzHeaders(f *testing.F) {
	f.Add("Host: a\r\n\r\n")
	f.Add("X: 1\r\nX: 2\r\n\r\n")
	f.Add("Folded: a\r\n b\r\n\r\n")
	f.Add(": empty-name\r\n\r\n")
	f.Add("no-colon\r\n\r\n")
	f.Add("\r\n")
	f.Add(" leading-continuation\r\n\r\n")

	f.Fuzz(func(t *testing.T, input string) {
		br := bufio.NewReader(strings.NewReader(input))
		headers, err := h1.ReadHeaders(br, h1.DefaultMaxLineBytes)
		if err != nil {
			return
		}
		for _, h := range headers {
			if strings.ContainsAny(h[0], "\r\n") || strings.ContainsAny(h[1], "\r\n") {
				t.Errorf("parsed header contains line terminators: %v", h)
			}
		}
	})
}
