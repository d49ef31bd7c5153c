package httpclient

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// codeSpan is an inclusive run of status codes.
type codeSpan struct{ lo, hi int }

// StatusCodeSet holds status codes written like "200-299,404". Overlapping and
// adjacent spans are merged when parsed. A nil set is empty.
type StatusCodeSet struct {
	spans []codeSpan
}

// ParseStatusCodes parses a comma separated list of codes and lo-hi spans.
// A blank list yields a nil set.
func ParseStatusCodes(s string) (*StatusCodeSet, error) {
	var spans []codeSpan
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		loText, hiText, ranged := strings.Cut(field, "-")
		if !ranged {
			hiText = loText
		}
		lo, err := statusCode(loText)
		if err != nil {
			return nil, err
		}
		hi, err := statusCode(hiText)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("status span %q runs backwards", field)
		}
		spans = append(spans, codeSpan{lo, hi})
	}
	if len(spans) == 0 {
		return nil, nil
	}

	slices.SortFunc(spans, func(a, b codeSpan) int { return cmp.Compare(a.lo, b.lo) })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.lo <= last.hi+1 {
			last.hi = max(last.hi, sp.hi)
			continue
		}
		merged = append(merged, sp)
	}
	return &StatusCodeSet{spans: merged}, nil
}

// MustParseStatusCodes panics if s does not parse.
func MustParseStatusCodes(s string) *StatusCodeSet {
	set, err := ParseStatusCodes(s)
	if err != nil {
		panic(err)
	}
	return set
}

func statusCode(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("status code %q: %w", s, err)
	}
	if n < 100 || n > 599 {
		return 0, fmt.Errorf("status code %d outside 100-599", n)
	}
	return n, nil
}

// Contains reports whether code is in the set.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	i, found := slices.BinarySearchFunc(s.spans, code, func(sp codeSpan, c int) int { return cmp.Compare(sp.lo, c) })
	if found {
		return true
	}
	return i > 0 && code <= s.spans[i-1].hi
}

// IsEmpty reports whether the set holds no codes.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || len(s.spans) == 0
}

// String renders the set in the syntax ParseStatusCodes reads.
func (s *StatusCodeSet) String() string {
	if s.IsEmpty() {
		return ""
	}
	var b strings.Builder
	for i, sp := range s.spans {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(sp.lo))
		if sp.hi != sp.lo {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(sp.hi))
		}
	}
	return b.String()
}
