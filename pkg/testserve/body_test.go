package testserve

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestInputBufferReadSeekRead(t *testing.T) {
	body := "the quick brown fox"
	buf := NewInputBuffer(strings.NewReader(body), int64(len(body)))
	defer buf.Close()

	first, err := buf.ReadAll()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(first) != body {
		t.Fatalf("first read = %q", first)
	}

	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	second, err := buf.ReadAll()
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if string(second) != body {
		t.Errorf("second read = %q, want the same bytes again", second)
	}
}

func TestInputBufferPartialReads(t *testing.T) {
	buf := NewInputBuffer(strings.NewReader("0123456789"), 10)
	defer buf.Close()

	p := make([]byte, 4)
	if n, err := buf.Read(p); err != nil || n != 4 || string(p[:n]) != "0123" {
		t.Fatalf("read 1: n=%d err=%v p=%q", n, err, p[:n])
	}
	if pos := buf.Tell(); pos != 4 {
		t.Errorf("Tell = %d, want 4", pos)
	}
	if _, err := buf.Seek(2, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if n, err := buf.Read(p); err != nil || string(p[:n]) != "2345" {
		t.Fatalf("read 2: n=%d err=%v p=%q", n, err, p[:n])
	}
}

func TestInputBufferSeekBounds(t *testing.T) {
	buf := NewInputBuffer(strings.NewReader("abcdef"), 6)
	defer buf.Close()

	if _, err := buf.Seek(-1, io.SeekStart); err == nil {
		t.Error("negative seek should fail")
	}
	if _, err := buf.Seek(7, io.SeekStart); err == nil {
		t.Error("seek beyond length should fail")
	}
	if pos, err := buf.Seek(6, io.SeekStart); err != nil || pos != 6 {
		t.Errorf("seek to end: pos=%d err=%v", pos, err)
	}
	if pos, err := buf.Seek(-2, io.SeekEnd); err != nil || pos != 4 {
		t.Errorf("seek from end: pos=%d err=%v", pos, err)
	}
}

func TestInputBufferReadLine(t *testing.T) {
	buf := NewInputBuffer(strings.NewReader("line one\nline two\nno newline"), 28)
	defer buf.Close()

	lines := []string{"line one\n", "line two\n", "no newline"}
	for _, want := range lines {
		line, err := buf.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if string(line) != want {
			t.Errorf("ReadLine = %q, want %q", line, want)
		}
	}
	if _, err := buf.ReadLine(); err != io.EOF {
		t.Errorf("ReadLine at end = %v, want EOF", err)
	}
}

func TestInputBufferUnknownLength(t *testing.T) {
	buf := NewInputBuffer(strings.NewReader("chunked body"), -1)
	defer buf.Close()

	data, err := buf.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "chunked body" {
		t.Fatalf("ReadAll = %q", data)
	}
	if buf.Len() != 12 {
		t.Errorf("Len = %d after full read, want 12", buf.Len())
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	again, _ := buf.ReadAll()
	if string(again) != "chunked body" {
		t.Errorf("re-read = %q", again)
	}
}

func TestInputBufferFileBacked(t *testing.T) {
	size := int64(inMemoryBodyLimit + 4096)
	src := bytes.Repeat([]byte("x"), int(size))
	buf := NewInputBuffer(bytes.NewReader(src), size)
	defer buf.Close()

	p := make([]byte, 10)
	if _, err := buf.Seek(size-10, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	n, err := buf.Read(p)
	if err != nil || n != 10 {
		t.Fatalf("read at tail: n=%d err=%v", n, err)
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek back: %v", err)
	}
	if n, err := buf.Read(p); err != nil || n != 10 || p[0] != 'x' {
		t.Fatalf("read at head: n=%d err=%v", n, err)
	}
}

func TestInputBufferDoesNotOverread(t *testing.T) {
	// Two bodies back to back on one stream: the first buffer must stop at
	// its declared length so the second request's bytes stay untouched.
	stream := strings.NewReader("firstsecond")
	first := NewInputBuffer(stream, 5)
	defer first.Close()

	data, err := first.ReadAll()
	if err != nil || string(data) != "first" {
		t.Fatalf("first body = %q, err=%v", data, err)
	}
	rest, _ := io.ReadAll(stream)
	if string(rest) != "second" {
		t.Errorf("remaining stream = %q, want %q", rest, "second")
	}
}
