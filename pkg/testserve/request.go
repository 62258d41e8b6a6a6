package testserve

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/url"
	"strings"

	"github.com/albertbausili/testserve/internal/h1"
)

// Request is the parsed view of one incoming request. Expensive
// substructures (query params, POST params, cookies, auth) are parsed on
// first access and cached, so handlers that never touch them pay nothing.
type Request struct {
	Method      string
	RequestPath string // path as received, after any rewrite
	URL         *url.URL
	Protocol    string // "HTTP/1.1", "HTTP/2.0", ...
	Headers     *RequestHeaders
	RawInput    *InputBuffer
	RouteMatch  map[string]string
	RemoteAddr  net.Addr
	Secure      bool

	getParams  *Params
	postParams *Params
	postErr    error
	cookies    *Cookies
	cookiesErr error
}

// NewRequest builds a Request from already-parsed wire data. target is the
// request target from the request line or the :path pseudo header.
func NewRequest(method, target, protocol, host string, headers *RequestHeaders, body *InputBuffer, secure bool) (*Request, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, NewHTTPError(400, fmt.Sprintf("invalid request target %q", target))
	}
	if u.Host == "" {
		u.Host = host
	}
	if u.Scheme == "" {
		if secure {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &Request{
		Method:      strings.ToUpper(method),
		RequestPath: target,
		URL:         u,
		Protocol:    protocol,
		Headers:     headers,
		RawInput:    body,
		Secure:      secure,
	}, nil
}

// GetParams returns the parsed query string parameters.
func (r *Request) GetParams() *Params {
	if r.getParams == nil {
		r.getParams = parseParams(r.URL.RawQuery)
	}
	return r.getParams
}

// PostParams parses the request body as form data. It supports
// application/x-www-form-urlencoded and multipart/form-data. The body cursor
// is restored afterwards so later reads see the body from where they left
// off.
func (r *Request) PostParams() (*Params, error) {
	if r.postParams != nil || r.postErr != nil {
		return r.postParams, r.postErr
	}
	r.postParams, r.postErr = r.parsePost()
	return r.postParams, r.postErr
}

func (r *Request) parsePost() (*Params, error) {
	ct, ctParams, err := mime.ParseMediaType(r.Headers.Get("Content-Type"))
	if err != nil {
		return &Params{}, nil
	}

	saved := r.RawInput.Tell()
	if _, err := r.RawInput.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer r.RawInput.Seek(saved, io.SeekStart)

	switch ct {
	case "application/x-www-form-urlencoded":
		raw, err := r.RawInput.ReadAll()
		if err != nil {
			return nil, err
		}
		return parseParams(string(raw)), nil
	case "multipart/form-data":
		boundary := ctParams["boundary"]
		if boundary == "" {
			return nil, NewHTTPError(400, "multipart body without boundary")
		}
		mr := multipart.NewReader(r.RawInput, boundary)
		params := &Params{}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return params, nil
			}
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			params.add(part.FormName(), string(data))
		}
	default:
		return &Params{}, nil
	}
}

// Cookies returns the cookies sent with the request.
func (r *Request) Cookies() (*Cookies, error) {
	if r.cookies == nil && r.cookiesErr == nil {
		r.cookies, r.cookiesErr = parseCookies(r.Headers.Get("Cookie"))
	}
	return r.cookies, r.cookiesErr
}

// Auth returns the username and password from a Basic Authorization header.
// Both are empty when the header is absent.
func (r *Request) Auth() (user, password string, err error) {
	value, ok := r.Headers.Lookup("Authorization")
	if !ok {
		return "", "", nil
	}
	scheme, rest, _ := strings.Cut(value, " ")
	if !h1.AsciiEqualFold(scheme, "Basic") {
		return "", "", NewHTTPError(400, fmt.Sprintf("unsupported authorization scheme %q", scheme))
	}
	decoded, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
	if derr != nil {
		return "", "", NewHTTPError(400, "malformed Basic authorization value")
	}
	user, password, _ = strings.Cut(string(decoded), ":")
	return user, password, nil
}

// RequestHeaders is a case-insensitive multi-value header collection that
// preserves the order headers arrived in.
type RequestHeaders struct {
	pairs [][2]string
}

// NewRequestHeaders builds the collection from ordered (name, value) pairs.
func NewRequestHeaders(pairs [][2]string) *RequestHeaders {
	return &RequestHeaders{pairs: pairs}
}

// Get returns all values for name joined with ", ", or "" when absent.
func (h *RequestHeaders) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup is Get with an explicit presence flag.
func (h *RequestHeaders) Lookup(name string) (string, bool) {
	values := h.GetList(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// GetList returns every value received for name, in arrival order.
func (h *RequestHeaders) GetList(name string) []string {
	var values []string
	for _, p := range h.pairs {
		if h1.AsciiEqualFold(p[0], name) {
			values = append(values, p[1])
		}
	}
	return values
}

// Has reports whether a header with this name was received.
func (h *RequestHeaders) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Items returns the headers as received, one pair per wire line.
func (h *RequestHeaders) Items() [][2]string {
	return h.pairs
}

// Params holds parsed query or form parameters. Parameters repeat, so both
// first-value and full-list accessors exist.
type Params struct {
	pairs [][2]string
}

func parseParams(query string) *Params {
	p := &Params{}
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		ku, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		vu, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		p.add(ku, vu)
	}
	return p
}

func (p *Params) add(name, value string) {
	p.pairs = append(p.pairs, [2]string{name, value})
}

// First returns the first value for name.
func (p *Params) First(name string) (string, bool) {
	for _, kv := range p.pairs {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

// Last returns the last value for name.
func (p *Params) Last(name string) (string, bool) {
	for i := len(p.pairs) - 1; i >= 0; i-- {
		if p.pairs[i][0] == name {
			return p.pairs[i][1], true
		}
	}
	return "", false
}

// GetList returns every value for name in order.
func (p *Params) GetList(name string) []string {
	var values []string
	for _, kv := range p.pairs {
		if kv[0] == name {
			values = append(values, kv[1])
		}
	}
	return values
}

// Len returns the number of parameter pairs.
func (p *Params) Len() int {
	return len(p.pairs)
}

// Cookies is the parsed Cookie header. Direct access returns the last
// occurrence of a name, matching the convention that later-set cookie values
// shadow earlier ones within one header.
type Cookies struct {
	pairs [][2]string
}

func parseCookies(header string) (*Cookies, error) {
	c := &Cookies{}
	for _, kv := range strings.Split(header, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		name, value, _ := strings.Cut(kv, "=")
		value = strings.Trim(value, `"`)
		c.pairs = append(c.pairs, [2]string{name, value})
	}
	return c, nil
}

// Get returns the last value received for name.
func (c *Cookies) Get(name string) (string, bool) {
	for i := len(c.pairs) - 1; i >= 0; i-- {
		if c.pairs[i][0] == name {
			return c.pairs[i][1], true
		}
	}
	return "", false
}

// GetList returns every value for name in order.
func (c *Cookies) GetList(name string) []string {
	var values []string
	for _, kv := range c.pairs {
		if kv[0] == name {
			values = append(values, kv[1])
		}
	}
	return values
}

// Len returns the number of cookies received.
func (c *Cookies) Len() int {
	return len(c.pairs)
}
