// Package providers wraps the external OCR and cleanup model services and turns
// their loosely shaped responses into plain text.
package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// CanonicalTextField is the field OCR models are prompted to put page text in.
const CanonicalTextField = "natural_text"

// secondaryTextFields are checked, in order, on objects lacking the canonical field.
var secondaryTextFields = []string{"text", "content", "markdown", "output"}

var canonicalFieldPattern = regexp.MustCompile(`"` + CanonicalTextField + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Response is the tagged union of shapes a provider may answer with.
type Response interface {
	isResponse()
}

// RawString is a bare string payload, possibly itself JSON-encoded.
type RawString string

// StringArray is a list of string payloads, usually one per output segment.
type StringArray []string

// ObjectWithField is a decoded JSON object.
type ObjectWithField map[string]any

// Unrecognized is anything else, kept as decoded.
type Unrecognized struct {
	Raw any
}

func (RawString) isResponse()       {}
func (StringArray) isResponse()     {}
func (ObjectWithField) isResponse() {}
func (Unrecognized) isResponse()    {}

// Classify turns an arbitrary decoded payload into a Response variant.
func Classify(v any) Response {
	switch t := v.(type) {
	case Response:
		return t
	case string:
		return RawString(t)
	case []string:
		return StringArray(t)
	case []any:
		out := make(StringArray, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return Unrecognized{Raw: v}
			}
			out = append(out, s)
		}
		return out
	case map[string]any:
		return ObjectWithField(t)
	}
	return Unrecognized{Raw: v}
}

// ClassifyJSON decodes raw bytes from an HTTP provider and classifies them. A body
// that is not JSON at all is a RawString.
func ClassifyJSON(body []byte) Response {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return RawString(string(body))
	}
	return Classify(v)
}

// NormalizeText reduces any provider response to the page text. First match wins:
// a JSON canonical field, then a pattern match on that field in the raw payload,
// then the plain string itself, then the serialized payload.
func NormalizeText(r Response) string {
	switch t := r.(type) {
	case RawString:
		return normalizeString(string(t))
	case StringArray:
		parts := make([]string, 0, len(t))
		for _, s := range t {
			if n := normalizeString(s); n != "" {
				parts = append(parts, n)
			}
		}
		return strings.Join(parts, "\n")
	case ObjectWithField:
		if s, ok := fieldText(t); ok {
			return s
		}
		return serialize(map[string]any(t))
	case Unrecognized:
		return serialize(t.Raw)
	case nil:
		return ""
	}
	return serialize(r)
}

func normalizeString(s string) string {
	trimmed := StripFences(strings.TrimSpace(s))

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, `"`) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			switch t := v.(type) {
			case map[string]any:
				if s, ok := fieldText(t); ok {
					return s
				}
			case string:
				return normalizeString(t)
			case []any:
				if arr, ok := Classify(t).(StringArray); ok {
					return NormalizeText(arr)
				}
			}
		}
	}

	if m := canonicalFieldPattern.FindStringSubmatch(s); m != nil {
		var unq string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &unq); err == nil {
			return unq
		}
		return m[1]
	}
	if trimmed != strings.TrimSpace(s) {
		return trimmed
	}
	return s
}

// fieldText pulls text out of an object, recursing when the field holds nested JSON.
func fieldText(obj map[string]any) (string, bool) {
	if v, ok := obj[CanonicalTextField]; ok {
		switch t := v.(type) {
		case string:
			return normalizeString(t), true
		case nil:
			return "", true
		}
	}
	for _, k := range secondaryTextFields {
		if s, ok := obj[k].(string); ok {
			return normalizeString(s), true
		}
	}
	return "", false
}

func serialize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// StripFences removes a wrapping markdown code fence from model output.
func StripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
