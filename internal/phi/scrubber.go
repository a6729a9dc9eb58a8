// Package phi implements the PHI Scrubber: a pure, side-effect-free
// redactor for free text and structured payloads. It is applied at
// request intake, immediately before response emission, and again to
// every field handed to the Audit Sink.
package phi

import (
	"reflect"
	"regexp"
	"strings"
)

// DefaultToken is the replacement used when the caller supplies none.
const DefaultToken = "[REDACTED]"

// Category names the kind of identifier a match belongs to. NamesBigram is
// explicitly advisory and excluded from the strict no-PHI-survives property.
type Category string

const (
	CategorySSN         Category = "ssn"
	CategoryPhone       Category = "phone"
	CategoryEmail       Category = "email"
	CategoryMRN         Category = "mrn"
	CategoryDate        Category = "date"
	CategoryAddress     Category = "address"
	CategoryZIP         Category = "zip"
	CategoryCreditCard  Category = "credit_card"
	CategoryNamesBigram Category = "names_bigram" // advisory, best-effort
)

// denylist are structured-payload keys whose values are always redacted
// regardless of content. Case-insensitive match.
var denylist = map[string]struct{}{
	"email": {}, "phone": {}, "ssn": {}, "mrn": {}, "firstname": {},
	"lastname": {}, "fullname": {}, "address": {}, "zipcode": {},
	"patientid": {}, "userid": {}, "ip": {}, "useragent": {},
}

var patterns = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{CategoryEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},
	{CategoryMRN, regexp.MustCompile(`(?i)\bMRN[:\s#-]*\d{6,12}\b`)},
	{CategoryDate, regexp.MustCompile(`\b(?:\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}|\d{4}-\d{2}-\d{2})\b`)},
	{CategoryAddress, regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z0-9.\s]+\b(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`)},
	{CategoryZIP, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)},
	{CategoryCreditCard, regexp.MustCompile(`\b(?:\d[ -]?){15,16}\b`)},
	{CategoryNamesBigram, regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`)},
}

// Report summarizes what was found in a scrub pass. Counts are keyed by
// Category; a zero map means nothing matched.
type Report struct {
	Counts map[Category]int
}

func (r *Report) record(cat Category) {
	if r.Counts == nil {
		r.Counts = make(map[Category]int)
	}
	r.Counts[cat]++
}

// Found reports whether anything beyond the advisory names bigram matched.
func (r *Report) Found() bool {
	for cat, n := range r.Counts {
		if cat == CategoryNamesBigram {
			continue
		}
		if n > 0 {
			return true
		}
	}
	return false
}

// Scrubber redacts PHI from strings and structured values. It is pure and
// safe for concurrent use; all state is the immutable replacement token.
type Scrubber struct {
	token string
}

// New builds a Scrubber using token (DefaultToken if empty) as the
// replacement for every redacted span.
func New(token string) *Scrubber {
	if token == "" {
		token = DefaultToken
	}
	return &Scrubber{token: token}
}

// ScrubString redacts every regex-category match in s, returning the
// redacted copy and a report of what categories fired. It is idempotent:
// ScrubString(ScrubString(s).Text) == ScrubString(s).Text.
func (s *Scrubber) ScrubString(text string) (string, *Report) {
	report := &Report{}
	out := text
	for _, p := range patterns {
		matched := false
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			if m == s.token {
				return m
			}
			matched = true
			return s.token
		})
		if matched {
			report.record(p.category)
		}
	}
	return out, report
}

// ScrubValue recursively walks a structured value (maps, slices, structs via
// reflection is intentionally unsupported — callers pass already-decoded
// map[string]any/[]any/string/scalar trees, e.g. from encoding/json) and
// returns a redacted deep copy plus the merged report.
//
// Keys in the denylist are replaced outright; string leaves elsewhere are
// passed through ScrubString.
func (s *Scrubber) ScrubValue(v any) (any, *Report) {
	report := &Report{}
	out := s.scrubValue(v, report)
	return out, report
}

func (s *Scrubber) scrubValue(v any, report *Report) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if _, denied := denylist[strings.ToLower(k)]; denied {
				if str, ok := child.(string); ok && str != "" {
					out[k] = s.token
				} else if child != nil {
					out[k] = s.token
				} else {
					out[k] = child
				}
				continue
			}
			out[k] = s.scrubValue(child, report)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.scrubValue(child, report)
		}
		return out
	case string:
		scrubbed, sub := s.ScrubString(val)
		for cat, n := range sub.Counts {
			for i := 0; i < n; i++ {
				report.record(cat)
			}
		}
		return scrubbed
	default:
		// Scalars (numbers, bools, nil) and anything reflection can't walk
		// safely pass through untouched.
		if v == nil {
			return nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice {
			// Caller passed a typed map/slice rather than map[string]any/
			// []any; best effort is to leave it untouched rather than
			// guess at field semantics.
			return v
		}
		return v
	}
}
