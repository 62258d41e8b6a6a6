package testserve

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

// memWriter records everything a Response writes.
type memWriter struct {
	code    int
	message string
	headers [][2]string
	body    bytes.Buffer
	ended   bool
}

func (w *memWriter) WriteStatusAndHeaders(code int, message string, headers [][2]string) error {
	w.code = code
	w.message = message
	w.headers = headers
	return nil
}

func (w *memWriter) WriteData(p []byte) error {
	w.body.Write(p)
	return nil
}

func (w *memWriter) End() error {
	w.ended = true
	return nil
}

func (w *memWriter) header(name string) string {
	for _, h := range w.headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

func newTestResponse(t *testing.T, method string) (*Response, *memWriter) {
	t.Helper()
	req := buildRequest(t, method, "/", nil, "")
	w := &memWriter{}
	return NewResponse(req, w, nil), w
}

func TestResponseHeaderMultiplicity(t *testing.T) {
	h := NewResponseHeaders()
	h.Append("Set-Cookie", "a=1")
	h.Append("Set-Cookie", "b=2")

	if got := h.Get("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Get = %v", got)
	}

	lines := 0
	for _, item := range h.Items() {
		if item[0] == "Set-Cookie" {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("Items produced %d Set-Cookie lines, want 2", lines)
	}

	h.Set("Set-Cookie", "c=3")
	if got := h.Get("Set-Cookie"); len(got) != 1 || got[0] != "c=3" {
		t.Errorf("Set should replace, got %v", got)
	}
}

func TestResponseHeaderOrder(t *testing.T) {
	h := NewResponseHeaders()
	h.Set("Content-Type", "text/plain")
	h.Set("X-First", "1")
	h.Append("X-First", "2")
	h.Set("x-second", "3")
	h.Delete("X-FIRST")

	items := h.Items()
	if len(items) != 2 {
		t.Fatalf("Items = %v", items)
	}
	if items[0][0] != "Content-Type" || items[1][0] != "x-second" {
		t.Errorf("order after delete = %v", items)
	}
}

func TestResponseWriteSimpleContent(t *testing.T) {
	resp, w := newTestResponse(t, "GET")
	resp.Content = "hello"
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if w.code != 200 {
		t.Errorf("code = %d", w.code)
	}
	if got := w.header("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q", got)
	}
	if w.header("Server") == "" || w.header("Date") == "" {
		t.Error("Server and Date must be injected")
	}
	if w.body.String() != "hello" {
		t.Errorf("body = %q", w.body.String())
	}
	if !w.ended {
		t.Error("End was not called")
	}
	if resp.CloseConnection() {
		t.Error("simple content must not force close")
	}

	// A second Write must be a no-op.
	w.body.Reset()
	if err := resp.Write(); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if w.body.Len() != 0 {
		t.Error("second Write emitted bytes")
	}
}

func TestResponseIterableContent(t *testing.T) {
	resp, w := newTestResponse(t, "GET")
	resp.Content = []any{
		"part1-",
		[]byte("part2-"),
		func() []byte { return []byte("part3-") },
		strings.NewReader("part4"),
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.body.String(); got != "part1-part2-part3-part4" {
		t.Errorf("body = %q", got)
	}
	if w.header("Content-Length") != "" {
		t.Error("iterable content must not get an implicit Content-Length")
	}
	if !resp.CloseConnection() {
		t.Error("unknown length must force connection close")
	}
}

func TestResponseHeadSuppressesBody(t *testing.T) {
	resp, w := newTestResponse(t, "HEAD")
	resp.Content = "hello"
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.header("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, headers must still describe the GET body", got)
	}
	if w.body.Len() != 0 {
		t.Errorf("HEAD response carried a body: %q", w.body.String())
	}

	resp, w = newTestResponse(t, "HEAD")
	resp.Content = "hello"
	resp.SendBodyForHead = true
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.body.String() != "hello" {
		t.Error("SendBodyForHead should force the body out")
	}
}

func TestResponseCookieRoundTrip(t *testing.T) {
	resp, _ := newTestResponse(t, "GET")
	resp.SetCookie("keep", "1", nil)
	resp.SetCookie("x", "1", &CookieOptions{Path: "/", Secure: true, HTTPOnly: true})
	resp.UnsetCookie("x")

	got := resp.Headers.Get("Set-Cookie")
	if len(got) != 1 || !strings.HasPrefix(got[0], "keep=") {
		t.Errorf("Set-Cookie after unset = %v", got)
	}
	for _, line := range got {
		if strings.HasPrefix(line, "x=") {
			t.Errorf("cookie x still present: %q", line)
		}
	}
}

func TestResponseDeleteCookie(t *testing.T) {
	resp, _ := newTestResponse(t, "GET")
	resp.DeleteCookie("session", "/")

	got := resp.Headers.Get("Set-Cookie")
	if len(got) != 1 {
		t.Fatalf("Set-Cookie = %v", got)
	}
	line := got[0]
	if !strings.HasPrefix(line, "session=;") {
		t.Errorf("deletion cookie = %q", line)
	}
	if !strings.Contains(line, "Max-Age=0") || !strings.Contains(line, "Expires=") {
		t.Errorf("deletion cookie missing expiry attributes: %q", line)
	}
}

func TestResponseNoBodyStatus(t *testing.T) {
	resp, w := newTestResponse(t, "GET")
	resp.SetStatus(204)
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.header("Content-Length"); got != "0" {
		t.Errorf("Content-Length = %q", got)
	}
	if resp.CloseConnection() {
		t.Error("204 must not force close")
	}
}

func TestMultipartContentRender(t *testing.T) {
	mc := NewMultipartContent("BOUND")
	mc.AppendPart([][2]string{{"Content-Type", "text/plain"}}, []byte("first"))
	mc.AppendPart(nil, []byte("second"))

	body := string(mc.Render())
	want := "--BOUND\r\nContent-Type: text/plain\r\n\r\nfirst\r\n" +
		"--BOUND\r\n\r\nsecond\r\n--BOUND--\r\n"
	if body != want {
		t.Errorf("Render = %q, want %q", body, want)
	}

	generated := NewMultipartContent("")
	if generated.Boundary == "" {
		t.Error("empty boundary must be generated")
	}
	if got := generated.ContentType("byteranges"); !strings.Contains(got, "multipart/byteranges; boundary=") {
		t.Errorf("ContentType = %q", got)
	}
}

func TestGzipPipe(t *testing.T) {
	resp, w := newTestResponse(t, "GET")
	resp.Content = "compress me compress me compress me"
	if err := GzipPipe()(resp); err != nil {
		t.Fatalf("GzipPipe: %v", err)
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.header("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q", got)
	}
	zr, err := gzip.NewReader(&w.body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "compress me compress me compress me" {
		t.Errorf("round trip = %q", out)
	}
}

func TestBrotliPipe(t *testing.T) {
	resp, w := newTestResponse(t, "GET")
	resp.Content = []byte("brotli body brotli body")
	if err := BrotliPipe()(resp); err != nil {
		t.Fatalf("BrotliPipe: %v", err)
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.header("Content-Encoding"); got != "br" {
		t.Errorf("Content-Encoding = %q", got)
	}
	out, err := io.ReadAll(brotli.NewReader(&w.body))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "brotli body brotli body" {
		t.Errorf("round trip = %q", out)
	}
}
