package testserve

import "testing"

func TestParseRangesCoalescing(t *testing.T) {
	ranges, err := ParseRanges("bytes=0-99,50-149,500-599", 1000)
	if err != nil {
		t.Fatalf("ParseRanges: %v", err)
	}
	want := []Range{{0, 150}, {500, 600}}
	if len(ranges) != len(want) {
		t.Fatalf("got %d ranges %v, want %d", len(ranges), ranges, len(want))
	}
	for i, r := range ranges {
		if r != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, r, want[i])
		}
	}
}

func TestParseRangesSingle(t *testing.T) {
	tests := []struct {
		header string
		size   int64
		want   Range
	}{
		{"bytes=0-499", 1000, Range{0, 500}},
		{"bytes=500-", 1000, Range{500, 1000}},
		{"bytes=-500", 1000, Range{500, 1000}},
		{"bytes=-2000", 1000, Range{0, 1000}},
		{"bytes=0-9999", 1000, Range{0, 1000}},
	}
	for _, tt := range tests {
		ranges, err := ParseRanges(tt.header, tt.size)
		if err != nil {
			t.Errorf("%s: %v", tt.header, err)
			continue
		}
		if len(ranges) != 1 || ranges[0] != tt.want {
			t.Errorf("%s: got %v, want [%+v]", tt.header, ranges, tt.want)
		}
	}
}

func TestParseRangesInvalid(t *testing.T) {
	tests := []struct {
		header string
		size   int64
	}{
		{"bytes=1000-", 1000}, // lower at size
		{"bytes=1200-1300", 1000},
		{"bytes=a-b", 1000},
		{"bytes=-", 1000},
		{"bytes=5-2", 1000},
		{"chars=0-5", 1000},
		{"bytes=", 1000},
	}
	for _, tt := range tests {
		_, err := ParseRanges(tt.header, tt.size)
		if err == nil {
			t.Errorf("%s: expected an error", tt.header)
			continue
		}
		httpErr, ok := err.(*HTTPError)
		if !ok || httpErr.Code != 416 {
			t.Errorf("%s: expected a 416 error, got %v", tt.header, err)
		}
	}
}

func TestRangeHeaderValue(t *testing.T) {
	r := Range{Lower: 0, Upper: 150}
	if got := r.HeaderValue(1000); got != "bytes 0-149/1000" {
		t.Errorf("HeaderValue = %q", got)
	}
	if got := r.Length(); got != 150 {
		t.Errorf("Length = %d", got)
	}
}
