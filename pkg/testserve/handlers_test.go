package testserve

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDocRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func fileRequest(t *testing.T, path string, headers [][2]string) *Request {
	t.Helper()
	req := buildRequest(t, "GET", path, headers, "")
	req.RouteMatch = map[string]string{"*": strings.TrimPrefix(path, "/")}
	return req
}

func TestFileHandlerWholeFile(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"hello.txt": "hello world"})
	h := &FileHandler{Root: root}

	req := fileRequest(t, "/hello.txt", nil)
	resp, w := newTestResponse(t, "GET")
	if err := h.HandleRequest(req, resp); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.code != 200 {
		t.Errorf("code = %d", w.code)
	}
	if w.body.String() != "hello world" {
		t.Errorf("body = %q", w.body.String())
	}
	if ct := w.header("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestFileHandlerMissingFile(t *testing.T) {
	h := &FileHandler{Root: writeDocRoot(t, nil)}
	req := fileRequest(t, "/absent.txt", nil)
	resp, _ := newTestResponse(t, "GET")

	err := h.HandleRequest(req, resp)
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.Code != 404 {
		t.Fatalf("err = %v, want a 404", err)
	}
}

func TestFileHandlerRejectsTraversal(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"inside.txt": "in"})
	h := &FileHandler{Root: root}

	req := fileRequest(t, "/sub/../../etc/passwd", nil)
	req.RouteMatch["*"] = "../outside.txt"
	resp, _ := newTestResponse(t, "GET")

	err := h.HandleRequest(req, resp)
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.Code != 404 {
		t.Fatalf("traversal should 404, got %v", err)
	}
}

func TestFileHandlerSingleRange(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"data.bin": "0123456789"})
	h := &FileHandler{Root: root}

	req := fileRequest(t, "/data.bin", [][2]string{{"Range", "bytes=2-5"}})
	resp, w := newTestResponse(t, "GET")
	if err := h.HandleRequest(req, resp); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if w.code != 206 {
		t.Errorf("code = %d", w.code)
	}
	if got := w.header("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if w.body.String() != "2345" {
		t.Errorf("body = %q", w.body.String())
	}
}

func TestFileHandlerMultipleRanges(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"data.bin": "0123456789"})
	h := &FileHandler{Root: root}

	req := fileRequest(t, "/data.bin", [][2]string{{"Range", "bytes=0-1,8-9"}})
	resp, w := newTestResponse(t, "GET")
	if err := h.HandleRequest(req, resp); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if err := resp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if w.code != 206 {
		t.Errorf("code = %d", w.code)
	}
	ct := w.header("Content-Type")
	if !strings.HasPrefix(ct, "multipart/byteranges; boundary=") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := w.body.String()
	if !strings.Contains(body, "Content-Range: bytes 0-1/10") ||
		!strings.Contains(body, "Content-Range: bytes 8-9/10") {
		t.Errorf("part headers missing: %q", body)
	}
	if !strings.Contains(body, "\r\n\r\n01\r\n") || !strings.Contains(body, "\r\n\r\n89\r\n") {
		t.Errorf("part data missing: %q", body)
	}
}

func TestFileHandlerUnsatisfiableRange(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"data.bin": "0123456789"})
	h := &FileHandler{Root: root}

	req := fileRequest(t, "/data.bin", [][2]string{{"Range", "bytes=10-"}})
	resp, _ := newTestResponse(t, "GET")

	err := h.HandleRequest(req, resp)
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.Code != 416 {
		t.Fatalf("err = %v, want a 416", err)
	}
}
