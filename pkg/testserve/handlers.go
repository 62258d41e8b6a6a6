package testserve

import (
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// FileHandler serves files from Root. The served path is the "*" capture of
// the matched route when present, otherwise the full URL path. Range
// requests answer with 206 and either a single Content-Range part or a
// multipart/byteranges body.
type FileHandler struct {
	Root string
}

// HandleRequest implements Handler.
func (h *FileHandler) HandleRequest(req *Request, resp *Response) error {
	rel := req.RouteMatch["*"]
	if rel == "" {
		rel = req.URL.Path
	}
	rel = path.Clean("/" + rel)
	full := filepath.Join(h.Root, filepath.FromSlash(rel))

	root, err := filepath.Abs(h.Root)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return NewHTTPError(404, "file not found")
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return NewHTTPError(404, "file not found")
	}
	size := info.Size()

	f, err := os.Open(abs)
	if err != nil {
		return NewHTTPError(404, "file not found")
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(abs)); ct != "" {
		resp.Headers.Set("Content-Type", ct)
	}
	resp.Headers.Set("Accept-Ranges", "bytes")

	rangeHeader, hasRange := req.Headers.Lookup("Range")
	if !hasRange {
		data := make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil && size > 0 {
			return err
		}
		resp.Content = data
		return nil
	}

	ranges, err := ParseRanges(rangeHeader, size)
	if err != nil {
		return err
	}

	readRange := func(r Range) ([]byte, error) {
		data := make([]byte, r.Length())
		_, rerr := f.ReadAt(data, r.Lower)
		return data, rerr
	}

	resp.SetStatus(206)
	if len(ranges) == 1 {
		r := ranges[0]
		data, err := readRange(r)
		if err != nil {
			return err
		}
		resp.Headers.Set("Content-Range", r.HeaderValue(size))
		resp.Headers.Set("Content-Length", strconv.FormatInt(r.Length(), 10))
		resp.Content = data
		return nil
	}

	partType := resp.Headers.GetFirst("Content-Type")
	mc := NewMultipartContent("")
	for _, r := range ranges {
		data, err := readRange(r)
		if err != nil {
			return err
		}
		headers := [][2]string{{"Content-Range", r.HeaderValue(size)}}
		if partType != "" {
			headers = append(headers, [2]string{"Content-Type", partType})
		}
		mc.AppendPart(headers, data)
	}
	resp.Headers.Set("Content-Type", mc.ContentType("byteranges"))
	resp.Content = mc
	return nil
}

// StringHandler answers every request with a fixed body and content type.
type StringHandler struct {
	Data        string
	ContentType string
	Headers     [][2]string
}

// HandleRequest implements Handler.
func (h *StringHandler) HandleRequest(req *Request, resp *Response) error {
	resp.Headers.Set("Content-Type", h.ContentType)
	for _, extra := range h.Headers {
		resp.Headers.Append(extra[0], extra[1])
	}
	resp.Content = h.Data
	return nil
}

// ErrorHandler answers every request with a fixed HTTP error.
type ErrorHandler struct {
	Code int
}

// HandleRequest implements Handler.
func (h *ErrorHandler) HandleRequest(req *Request, resp *Response) error {
	return NewHTTPError(h.Code, fmt.Sprintf("configured error %d", h.Code))
}
