package testserve

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Any matches every request method when used in Register.
const Any = "*"

// Router maps (method, path) pairs to handlers. Routes registered later take
// precedence over earlier ones, so a general route can be installed first and
// shadowed by more specific ones afterwards.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

type route struct {
	methods []string
	pattern *regexp.Regexp
	names   []string // capture names, "" for the trailing star group
	handler Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Register adds a handler for the given methods and path pattern. Patterns
// are literal paths with two extensions: "{name}" matches a single non-slash
// segment and binds it under name, and a trailing "*" matches the remainder
// of the path (including slashes) and binds it under "*". A star may carry
// an extension ("*.json") that the remainder must end with. Literal "{",
// "}", "*" and "\" are written with a backslash escape. Nothing may follow a
// star token. Invalid patterns are reported at registration time.
func (r *Router) Register(methods []string, pattern string, handler Handler) error {
	re, names, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	upper := make([]string, len(methods))
	for i, m := range methods {
		upper[i] = strings.ToUpper(m)
	}
	r.mu.Lock()
	// Prepend so lookup order favors the most recent registration.
	r.routes = append([]route{{
		methods: upper,
		pattern: re,
		names:   names,
		handler: handler,
	}}, r.routes...)
	r.mu.Unlock()
	return nil
}

// RegisterFunc is Register for a bare function.
func (r *Router) RegisterFunc(methods []string, pattern string, fn HandlerFunc) error {
	return r.Register(methods, pattern, fn)
}

// GetHandler returns the handler for the request, or nil when no route
// matches. On a match it fills req.RouteMatch with the captured groups. HEAD
// requests match GET routes inline, so a later GET registration still shadows
// an earlier HEAD one.
func (r *Router) GetHandler(req *Request) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	method := strings.ToUpper(req.Method)
	for _, rt := range r.routes {
		if !rt.matchesMethod(method) {
			continue
		}
		m := rt.pattern.FindStringSubmatch(req.URL.Path)
		if m == nil {
			continue
		}
		match := make(map[string]string, len(rt.names))
		for i, name := range rt.names {
			if name == "" {
				name = "*"
			}
			match[name] = m[i+1]
		}
		req.RouteMatch = match
		return rt.handler
	}
	return nil
}

func (rt route) matchesMethod(method string) bool {
	for _, m := range rt.methods {
		if m == Any || m == method || (m == "GET" && method == "HEAD") {
			return true
		}
	}
	return false
}

// compilePattern translates the route pattern language into an anchored
// regular expression and the ordered list of capture names.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	var (
		b       strings.Builder
		names   []string
		literal strings.Builder
		sawStar bool
	)
	flush := func() {
		if literal.Len() > 0 {
			b.WriteString(regexp.QuoteMeta(literal.String()))
			literal.Reset()
		}
	}
	b.WriteString("^")
	if !strings.HasPrefix(pattern, "/") {
		b.WriteString("/")
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if sawStar {
			return nil, nil, fmt.Errorf("route pattern %q: %q after trailing *", pattern, string(c))
		}
		switch c {
		case '\\':
			if i+1 >= len(pattern) {
				return nil, nil, fmt.Errorf("route pattern %q: trailing backslash", pattern)
			}
			i++
			switch pattern[i] {
			case '{', '}', '*', '\\':
				literal.WriteByte(pattern[i])
			default:
				return nil, nil, fmt.Errorf("route pattern %q: invalid escape \\%s", pattern, string(pattern[i]))
			}
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, nil, fmt.Errorf("route pattern %q: unterminated group", pattern)
			}
			name := pattern[i+1 : i+end]
			if name == "" || strings.ContainsAny(name, "{}/*") {
				return nil, nil, fmt.Errorf("route pattern %q: invalid group name %q", pattern, name)
			}
			flush()
			b.WriteString("([^/]+)")
			names = append(names, name)
			i += end
		case '}':
			return nil, nil, fmt.Errorf("route pattern %q: unmatched }", pattern)
		case '*':
			// A star consumes the rest of the path. An extension written
			// directly after it ("*.json") constrains the suffix but stays
			// inside the capture.
			flush()
			suffix := ""
			if i+1 < len(pattern) && pattern[i+1] == '.' {
				j := i + 1
				for j+1 < len(pattern) && isWordByte(pattern[j+1]) {
					j++
				}
				suffix = pattern[i+1 : j+1]
				i = j
			}
			b.WriteString("(.*" + regexp.QuoteMeta(suffix) + ")")
			names = append(names, "")
			sawStar = true
		default:
			literal.WriteByte(c)
		}
	}
	flush()
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("route pattern %q: %w", pattern, err)
	}
	return re, names, nil
}

func isWordByte(c byte) bool {
	return c == '_' ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z') ||
		('0' <= c && c <= '9')
}
