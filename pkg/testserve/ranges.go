package testserve

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Range is a half-open byte range [Lower, Upper) against a resource of known
// size.
type Range struct {
	Lower int64
	Upper int64
}

// HeaderValue formats the range for a Content-Range header:
// "bytes lower-(upper-1)/size".
func (r Range) HeaderValue(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Lower, r.Upper-1, size)
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 {
	return r.Upper - r.Lower
}

// ParseRanges parses a Range header value ("bytes=a-b,c-d,...") against the
// given resource size and returns coalesced, non-overlapping ranges in
// ascending order. Any malformed or unsatisfiable specifier yields a 416
// HTTPError; partial recovery is never attempted.
func ParseRanges(header string, size int64) ([]Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return nil, rangeError(header)
	}

	var ranges []Range
	for _, part := range strings.Split(spec, ",") {
		r, err := parseRangeSpec(strings.TrimSpace(part), size)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, rangeError(header)
	}
	return coalesceRanges(ranges), nil
}

func parseRangeSpec(spec string, size int64) (Range, error) {
	start, end, ok := strings.Cut(spec, "-")
	if !ok || (start == "" && end == "") {
		return Range{}, rangeError(spec)
	}

	var lower, upper int64
	switch {
	case start == "":
		// Suffix form: the last N bytes.
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n < 0 {
			return Range{}, rangeError(spec)
		}
		lower = size - n
		if lower < 0 {
			lower = 0
		}
		upper = size
	case end == "":
		n, err := strconv.ParseInt(start, 10, 64)
		if err != nil || n < 0 {
			return Range{}, rangeError(spec)
		}
		lower = n
		upper = size
	default:
		a, err := strconv.ParseInt(start, 10, 64)
		if err != nil || a < 0 {
			return Range{}, rangeError(spec)
		}
		b, err := strconv.ParseInt(end, 10, 64)
		if err != nil || b < a {
			return Range{}, rangeError(spec)
		}
		lower = a
		upper = b + 1
		if upper > size {
			upper = size
		}
	}

	if lower >= size || lower >= upper {
		return Range{}, rangeError(spec)
	}
	return Range{Lower: lower, Upper: upper}, nil
}

// coalesceRanges merges overlapping or touching ranges. It sorts by lower
// bound descending, folds each range into the running target, and reverses
// the result back to ascending order.
func coalesceRanges(ranges []Range) []Range {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Lower > ranges[j].Lower
	})

	merged := make([]Range, 1, len(ranges))
	merged[0] = ranges[0]
	for _, r := range ranges[1:] {
		target := &merged[len(merged)-1]
		if r.Upper >= target.Lower {
			if r.Lower < target.Lower {
				target.Lower = r.Lower
			}
			if r.Upper > target.Upper {
				target.Upper = r.Upper
			}
		} else {
			merged = append(merged, r)
		}
	}

	out := make([]Range, len(merged))
	for i, r := range merged {
		out[len(merged)-1-i] = r
	}
	return out
}

func rangeError(spec string) *HTTPError {
	return NewHTTPError(416, fmt.Sprintf("invalid range: %q", spec))
}
