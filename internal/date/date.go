// Package date provides a cached, thread-safe HTTP date string.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// currentDate caches the formatted date so response writers do not call
// time.Now().Format() once per response.
var currentDate atomic.Pointer[string]

// StartTicker refreshes the cached date string every 500ms.
// It returns a stop function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s := time.Now().UTC().Format(http.TimeFormat)
	currentDate.Store(&s)
}

// Current returns the current date in RFC 7231 IMF-fixdate form.
func Current() string {
	if p := currentDate.Load(); p != nil {
		return *p
	}
	// Ticker not started; fall back to formatting directly.
	return time.Now().UTC().Format(http.TimeFormat)
}
