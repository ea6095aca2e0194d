// Package align implements the semantic aligner: it coerces raw model
// output into structured values and scores how confident the coercion is.
package align

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ParseError reports raw output that could not be coerced to the requested
// shape. The raw output is retained for diagnostics.
type ParseError struct {
	Output string
	Cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot align model output: %v", e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Aligner parses raw model output into the value pointed to by into and
// returns a confidence score in [0, 1].
type Aligner interface {
	Parse(raw string, into any) (float64, error)
}

// JSONAligner extracts a JSON document from raw model output. Models often
// wrap JSON in code fences or surround it with prose; both are tolerated at
// a confidence penalty.
type JSONAligner struct{}

func (JSONAligner) Parse(raw string, into any) (float64, error) {
	doc, embedded := extractJSON(raw)
	if doc == "" {
		return 0, &ParseError{Output: raw, Cause: fmt.Errorf("no JSON document found")}
	}
	if err := json.Unmarshal([]byte(doc), into); err != nil {
		return 0, &ParseError{Output: raw, Cause: err}
	}

	confidence := 0.95
	if embedded {
		// Prose around the document suggests the model hedged.
		confidence = 0.7
	}
	if isEmptyValue(into) {
		confidence *= 0.5
	}
	return confidence, nil
}

// extractJSON returns the JSON document contained in raw and whether it was
// embedded in other text. Code fences are stripped first.
func extractJSON(raw string) (doc string, embedded bool) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			fenced := strings.TrimSpace(rest[:end])
			if fenced != "" {
				return fenced, false
			}
		}
	}

	if json.Valid([]byte(s)) {
		return s, false
	}

	for _, open := range []byte{'{', '['} {
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		start := strings.IndexByte(s, open)
		end := strings.LastIndexByte(s, closer)
		if start >= 0 && end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

// isEmptyValue reports whether the decoded value carries no content (empty
// map, slice, or string behind the pointer).
func isEmptyValue(into any) bool {
	v := reflect.ValueOf(into)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	}
	return false
}
