package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/loghub/trace-relay/internal/domain"
)

// document is a parsed nested sub-document. Lookups on a nil document are safe.
type document map[string]any

// parseDocument decodes the nested JSON sub-document carried in field.
// Anything unparsable yields an empty document.
func parseDocument(r domain.RawRecord, field string) document {
	switch v := r[field].(type) {
	case map[string]any:
		return document(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" || s == "{}" {
			return document{}
		}
		var doc document
		if err := json.Unmarshal([]byte(s), &doc); err != nil || doc == nil {
			return document{}
		}
		return doc
	default:
		return document{}
	}
}

func (d document) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

// positiveInt parses v leniently. Empty strings, "-", booleans, unparsable
// values and anything not strictly positive report ok=false. Fractions are
// truncated toward zero.
func positiveInt(v any) (int, bool) {
	var f float64
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "-" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		parsed, err := cast.ToFloat64E(t)
		if err != nil {
			return 0, false
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return 0, false
	}
	n := int(f)
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// group collects populated fields of one metadata sub-document.
type group map[string]any

func (g group) str(key, value string) {
	if value != "" {
		g[key] = value
	}
}

func (g group) num(key string, raw any) {
	if n, ok := positiveInt(raw); ok {
		g[key] = n
	}
}
