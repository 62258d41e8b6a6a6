package testserve

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/testserve/internal/h2"
)

func startTestServer(t *testing.T, router *Router, opts ...Option) (addr string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(DefaultConfig(), router, opts...)
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return l.Addr().String()
}

func roundTripRaw(t *testing.T, addr, raw string) string {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	if _, err := io.WriteString(nc, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(nc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(resp)
}

func TestServerBasicRequest(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/ping", func(req *Request, resp *Response) error {
		resp.Headers.Set("Content-Type", "text/plain")
		resp.Content = "ok"
		return nil
	})
	addr := startTestServer(t, router)

	resp := roundTripRaw(t, addr, "GET /ping HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", resp)
	}
	if !strings.Contains(resp, "Content-Length: 2\r\n") {
		t.Errorf("missing Content-Length: %q", resp)
	}
	if !strings.HasSuffix(resp, "\r\n\r\nok") {
		t.Errorf("body: %q", resp)
	}
}

func TestServerNotFound(t *testing.T) {
	addr := startTestServer(t, NewRouter())
	resp := roundTripRaw(t, addr, "GET /nowhere HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 404 ") {
		t.Fatalf("status line: %q", resp)
	}
}

func TestServerHTTPErrorFromHandler(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/teapot", func(req *Request, resp *Response) error {
		return NewHTTPError(418, "short and stout")
	})
	addr := startTestServer(t, router)

	resp := roundTripRaw(t, addr, "GET /teapot HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 418 ") {
		t.Fatalf("status line: %q", resp)
	}
	if !strings.Contains(resp, "short and stout") {
		t.Errorf("body should carry the error message: %q", resp)
	}
}

func TestServerPanicBecomes500WithStack(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/boom", func(req *Request, resp *Response) error {
		panic("kaboom")
	})
	addr := startTestServer(t, router)

	resp := roundTripRaw(t, addr, "GET /boom HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 500 ") {
		t.Fatalf("status line: %q", resp)
	}
	if !strings.Contains(resp, "kaboom") || !strings.Contains(resp, "goroutine") {
		t.Errorf("500 body should include message and stack: %q", resp)
	}
}

func TestServerRequestLineTooLong(t *testing.T) {
	addr := startTestServer(t, NewRouter())
	resp := roundTripRaw(t, addr, "GET /"+strings.Repeat("a", 9000)+" HTTP/1.1\r\nHost: t\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 414 ") {
		t.Fatalf("status line: %q", resp)
	}
}

func TestServerKeepAlive(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/n/{id}", func(req *Request, resp *Response) error {
		resp.Content = req.RouteMatch["id"]
		return nil
	})
	addr := startTestServer(t, router)

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	br := bufio.NewReader(nc)

	for _, id := range []string{"1", "2", "3"} {
		if _, err := io.WriteString(nc, "GET /n/"+id+" HTTP/1.1\r\nHost: t\r\n\r\n"); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
		status, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read status %s: %v", id, err)
		}
		if !strings.HasPrefix(status, "HTTP/1.1 200") {
			t.Fatalf("request %s: status %q", id, status)
		}
		var contentLen int
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read headers %s: %v", id, err)
			}
			if line == "\r\n" {
				break
			}
			if strings.HasPrefix(strings.ToLower(line), "content-length:") {
				v := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(line), "content-length:"))
				contentLen, err = strconv.Atoi(strings.TrimSpace(v))
				if err != nil {
					t.Fatalf("bad content-length %q: %v", line, err)
				}
			}
		}
		body := make([]byte, contentLen)
		if _, err := io.ReadFull(br, body); err != nil {
			t.Fatalf("read body %s: %v", id, err)
		}
		if string(body) != id {
			t.Fatalf("request %s: body %q", id, body)
		}
	}
}

func TestServerPostBodyEcho(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"POST"}, "/echo", func(req *Request, resp *Response) error {
		data, err := req.RawInput.ReadAll()
		if err != nil {
			return err
		}
		resp.Content = data
		return nil
	})
	addr := startTestServer(t, router)

	resp := roundTripRaw(t, addr,
		"POST /echo HTTP/1.1\r\nHost: t\r\nContent-Length: 7\r\nConnection: close\r\n\r\npayload")
	if !strings.HasSuffix(resp, "\r\n\r\npayload") {
		t.Fatalf("echo response: %q", resp)
	}
}

func TestServerRewrite(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/new", func(req *Request, resp *Response) error {
		resp.Content = "rewritten"
		return nil
	})
	rw := NewRewriter()
	rw.Register([]string{"GET"}, "/old", "/new")
	addr := startTestServer(t, router, WithRewriter(rw))

	resp := roundTripRaw(t, addr, "GET /old HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n")
	if !strings.Contains(resp, "rewritten") {
		t.Fatalf("rewrite did not apply: %q", resp)
	}
}

func TestServerH2CPriorKnowledge(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := DefaultConfig()
	cfg.EnableH2C = true
	srv := NewServer(cfg, NewRouter())
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(nc, h2.ClientPreface); err != nil {
		t.Fatalf("write preface: %v", err)
	}
	framer := http2.NewFramer(nc, nc)
	if err := framer.WriteSettings(); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	fr, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if _, ok := fr.(*http2.SettingsFrame); !ok {
		t.Fatalf("first server frame = %T, want SETTINGS", fr)
	}
}

func TestServerLatencyInjection(t *testing.T) {
	router := NewRouter()
	router.RegisterFunc([]string{"GET"}, "/slow", func(req *Request, resp *Response) error {
		resp.Content = "done"
		return nil
	})
	const delay = 150 * time.Millisecond
	addr := startTestServer(t, router, WithLatency(func() time.Duration { return delay }))

	start := time.Now()
	resp := roundTripRaw(t, addr, "GET /slow HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n")
	if !strings.Contains(resp, "done") {
		t.Fatalf("response: %q", resp)
	}
	if took := time.Since(start); took < delay {
		t.Errorf("request finished in %v, want at least %v", took, delay)
	}
}
