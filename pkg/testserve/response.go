package testserve

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/albertbausili/testserve/internal/date"
)

const serverHeaderValue = "testserve"

// WireWriter serializes a response to a particular wire protocol. The
// HTTP/1.1 writer emits a status line and header lines; the HTTP/2 writer
// emits HEADERS and DATA frames. Write errors are treated as "peer hung up":
// implementations report them, the dispatch layer logs and tears down.
type WireWriter interface {
	WriteStatusAndHeaders(code int, message string, headers [][2]string) error
	WriteData(p []byte) error
	End() error
}

// ResponseStatus is the status line of a response.
type ResponseStatus struct {
	Code    int
	Message string
}

// Response accumulates status, headers and content, and serializes them once
// writing begins. Content may be set to a string, []byte, io.Reader,
// *MultipartContent, or a []any mixing those with zero-argument callables
// evaluated at write time.
type Response struct {
	Request *Request
	Status  ResponseStatus
	Headers *ResponseHeaders
	Content any

	// SendBodyForHead forces the body onto the wire for HEAD requests.
	SendBodyForHead bool

	writer          WireWriter
	logger          *slog.Logger
	headersWritten  bool
	contentWritten  bool
	closeConnection bool
}

// NewResponse creates a Response bound to a request and wire writer.
func NewResponse(req *Request, w WireWriter, logger *slog.Logger) *Response {
	if logger == nil {
		logger = slog.Default()
	}
	return &Response{
		Request: req,
		Status:  ResponseStatus{Code: 200, Message: "OK"},
		Headers: NewResponseHeaders(),
		writer:  w,
		logger:  logger,
	}
}

// SetStatus sets the status code with its standard reason phrase.
func (r *Response) SetStatus(code int) {
	r.Status = ResponseStatus{Code: code, Message: http.StatusText(code)}
}

// SetStatusMessage sets the status with an explicit reason phrase.
func (r *Response) SetStatusMessage(code int, message string) {
	r.Status = ResponseStatus{Code: code, Message: message}
}

// HeadersWritten reports whether the status and headers have gone out.
func (r *Response) HeadersWritten() bool { return r.headersWritten }

// ContentWritten reports whether the full response has gone out.
func (r *Response) ContentWritten() bool { return r.contentWritten }

// CloseConnection reports whether the connection must close after this
// response because its framing is ambiguous otherwise.
func (r *Response) CloseConnection() bool { return r.closeConnection }

// Write serializes the whole response: status line, headers, then content.
// Calling it twice is a no-op.
func (r *Response) Write() error {
	if r.contentWritten {
		return nil
	}
	if err := r.WriteStatusHeaders(); err != nil {
		return err
	}
	return r.WriteContent()
}

// WriteStatusHeaders emits the status and header block, injecting Server,
// Date and, for simple content, Content-Length when the handler did not set
// them. If no Content-Length can be determined the connection is marked for
// close.
func (r *Response) WriteStatusHeaders() error {
	if r.headersWritten {
		return nil
	}
	r.headersWritten = true

	if !r.Headers.Has("Server") {
		r.Headers.Set("Server", serverHeaderValue)
	}
	if !r.Headers.Has("Date") {
		r.Headers.Set("Date", date.Current())
	}
	if !r.Headers.Has("Content-Length") {
		if n, ok := simpleContentLength(r.Content); ok {
			r.Headers.Set("Content-Length", strconv.FormatInt(n, 10))
		} else if bodyAllowed(r.Status.Code) {
			r.closeConnection = true
		} else {
			r.Headers.Set("Content-Length", "0")
		}
	}

	return r.writer.WriteStatusAndHeaders(r.Status.Code, r.Status.Message, r.Headers.Items())
}

// WriteContent streams the content to the wire. For HEAD requests the body
// is skipped unless SendBodyForHead is set; the headers (including any
// Content-Length) still describe the GET body.
func (r *Response) WriteContent() error {
	if r.contentWritten {
		return nil
	}
	r.contentWritten = true

	skipBody := r.Request != nil &&
		strings.EqualFold(r.Request.Method, "HEAD") &&
		!r.SendBodyForHead

	if !skipBody {
		if err := writeChunks(r.writer, r.Content); err != nil {
			return err
		}
	}
	return r.writer.End()
}

// WriteRaw sends bytes directly down the wire, bypassing status and header
// serialization. Used by handlers that take over the connection.
func (r *Response) WriteRaw(p []byte) error {
	r.headersWritten = true
	r.contentWritten = true
	r.closeConnection = true
	if err := r.writer.WriteData(p); err != nil {
		return err
	}
	return r.writer.End()
}

// ReadContent materializes the content into a single byte slice, evaluating
// any callables. Compression pipes use it to rewrite the body in place.
func (r *Response) ReadContent() ([]byte, error) {
	var buf []byte
	err := forEachChunk(r.Content, func(p []byte) error {
		buf = append(buf, p...)
		return nil
	})
	return buf, err
}

func writeChunks(w WireWriter, content any) error {
	return forEachChunk(content, w.WriteData)
}

// forEachChunk normalizes the supported content shapes into a sequence of
// byte chunks, deferring callables and readers until this walk.
func forEachChunk(content any, emit func([]byte) error) error {
	switch c := content.(type) {
	case nil:
		return nil
	case string:
		return emit([]byte(c))
	case []byte:
		return emit(c)
	case *MultipartContent:
		return emit(c.Render())
	case io.Reader:
		buf := make([]byte, 32*1024)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if werr := emit(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	case func() []byte:
		return emit(c())
	case func() string:
		return emit([]byte(c()))
	case func() ([]byte, error):
		p, err := c()
		if err != nil {
			return err
		}
		return emit(p)
	case []any:
		for _, item := range c {
			if err := forEachChunk(item, emit); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported response content type %T", content)
	}
}

// simpleContentLength reports the content length when the content is a plain
// string or byte slice. Iterables, readers and callables never get an
// implicit length: their size is unknown until write time.
func simpleContentLength(content any) (int64, bool) {
	switch c := content.(type) {
	case nil:
		return 0, true
	case string:
		return int64(len(c)), true
	case []byte:
		return int64(len(c)), true
	default:
		return 0, false
	}
}

func bodyAllowed(code int) bool {
	if code == 204 || code == 304 || (code >= 100 && code < 200) {
		return false
	}
	return true
}

// CookieOptions are the optional Set-Cookie attributes.
type CookieOptions struct {
	Path     string
	Domain   string
	MaxAge   int
	HasAge   bool
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// SetCookie appends a Set-Cookie header for name=value.
func (r *Response) SetCookie(name, value string, opts *CookieOptions) {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("=")
	b.WriteString(value)
	if opts != nil {
		if opts.Path != "" {
			b.WriteString("; Path=" + opts.Path)
		}
		if opts.Domain != "" {
			b.WriteString("; Domain=" + opts.Domain)
		}
		if opts.HasAge {
			b.WriteString("; Max-Age=" + strconv.Itoa(opts.MaxAge))
		}
		if !opts.Expires.IsZero() {
			b.WriteString("; Expires=" + opts.Expires.UTC().Format(http.TimeFormat))
		}
		if opts.Secure {
			b.WriteString("; Secure")
		}
		if opts.HTTPOnly {
			b.WriteString("; HttpOnly")
		}
	}
	r.Headers.Append("Set-Cookie", b.String())
}

// UnsetCookie removes any Set-Cookie header previously added for name,
// leaving cookies with other names untouched.
func (r *Response) UnsetCookie(name string) {
	existing := r.Headers.Get("Set-Cookie")
	r.Headers.Delete("Set-Cookie")
	for _, line := range existing {
		cn, _, _ := strings.Cut(line, "=")
		if strings.TrimSpace(cn) != name {
			r.Headers.Append("Set-Cookie", line)
		}
	}
}

// DeleteCookie tells the client to drop the cookie: empty value, Max-Age 0
// and an Expires in the past.
func (r *Response) DeleteCookie(name, path string) {
	r.SetCookie(name, "", &CookieOptions{
		Path:    path,
		MaxAge:  0,
		HasAge:  true,
		Expires: time.Now().Add(-24 * time.Hour),
	})
}

// ResponseHeaders is an ordered multi-value header collection. Values for
// one name are grouped under the first-seen spelling of that name; Items
// yields one (name, value) pair per wire line.
type ResponseHeaders struct {
	order  []string            // canonical (lowercased) names in first-set order
	spell  map[string]string   // canonical -> spelling as first set
	values map[string][]string // canonical -> values
}

// NewResponseHeaders creates an empty collection.
func NewResponseHeaders() *ResponseHeaders {
	return &ResponseHeaders{
		spell:  make(map[string]string),
		values: make(map[string][]string),
	}
}

func canonicalKey(name string) string {
	return strings.ToLower(name)
}

// Set replaces all values for name.
func (h *ResponseHeaders) Set(name, value string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
		h.spell[key] = name
	}
	h.values[key] = []string{value}
}

// Append adds a value for name, keeping existing ones.
func (h *ResponseHeaders) Append(name, value string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
		h.spell[key] = name
	}
	h.values[key] = append(h.values[key], value)
}

// Get returns every value for name.
func (h *ResponseHeaders) Get(name string) []string {
	return h.values[canonicalKey(name)]
}

// GetFirst returns the first value for name, or "".
func (h *ResponseHeaders) GetFirst(name string) string {
	if vs := h.values[canonicalKey(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether name has at least one value.
func (h *ResponseHeaders) Has(name string) bool {
	return len(h.values[canonicalKey(name)]) > 0
}

// Delete removes every value for name.
func (h *ResponseHeaders) Delete(name string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	delete(h.spell, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Items returns one (name, value) pair per wire line, names in first-set
// order, values in insertion order.
func (h *ResponseHeaders) Items() [][2]string {
	var items [][2]string
	for _, key := range h.order {
		name := h.spell[key]
		for _, v := range h.values[key] {
			items = append(items, [2]string{name, v})
		}
	}
	return items
}

// Len returns the number of wire lines Items would produce.
func (h *ResponseHeaders) Len() int {
	n := 0
	for _, vs := range h.values {
		n += len(vs)
	}
	return n
}
