package testserve

import (
	"strings"
	"sync"
)

// Rewriter rewrites request paths before routing. Rules match on
// (method, exact path) and replace only the path portion of the target; any
// query string is preserved.
type Rewriter struct {
	mu    sync.RWMutex
	rules map[rewriteKey]string
}

type rewriteKey struct {
	method string
	path   string
}

// NewRewriter creates an empty Rewriter.
func NewRewriter() *Rewriter {
	return &Rewriter{rules: make(map[rewriteKey]string)}
}

// Register adds a rewrite from input to output for the given methods. Use
// Any to match all methods.
func (r *Rewriter) Register(methods []string, input, output string) {
	r.mu.Lock()
	for _, m := range methods {
		r.rules[rewriteKey{strings.ToUpper(m), input}] = output
	}
	r.mu.Unlock()
}

// Rewrite returns the target with its path rewritten, or the target
// unchanged when no rule matches.
func (r *Rewriter) Rewrite(method, target string) string {
	path, query, hasQuery := strings.Cut(target, "?")

	r.mu.RLock()
	out, ok := r.rules[rewriteKey{strings.ToUpper(method), path}]
	if !ok {
		out, ok = r.rules[rewriteKey{Any, path}]
	}
	r.mu.RUnlock()

	if !ok {
		return target
	}
	if hasQuery {
		return out + "?" + query
	}
	return out
}
