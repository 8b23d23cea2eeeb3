package mailboxapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"
)

// Schema names the response keys that carry record metadata.
type Schema struct {
	IDField      string
	CreatedField string
	ErrorField   string
}

// DefaultSchema matches the warmup API's account objects.
var DefaultSchema = Schema{
	IDField:      "id",
	CreatedField: "timestamp_created",
	ErrorField:   "error",
}

func (s Schema) withDefaults() Schema {
	if s.IDField == "" {
		s.IDField = DefaultSchema.IDField
	}
	if s.CreatedField == "" {
		s.CreatedField = DefaultSchema.CreatedField
	}
	if s.ErrorField == "" {
		s.ErrorField = DefaultSchema.ErrorField
	}
	return s
}

// decodeRecord converts one JSON object. Objects without an id are
// rejected since they cannot be updated or deleted.
func (s Schema) decodeRecord(raw map[string]any) (domain.Record, bool) {
	id := scalarString(raw[s.IDField])
	if id == "" {
		return domain.Record{}, false
	}

	rec := domain.Record{ID: id, Fields: make(domain.Fields, len(raw))}
	for k, v := range raw {
		if k == s.IDField {
			continue
		}
		rec.Fields[k] = v
	}
	rec.CreatedAt = parseTimestamp(raw[s.CreatedField])
	rec.ErrorState = errorState(raw[s.ErrorField])
	return rec, true
}

// unwrapObject accepts a bare object or one nested under "data" or "item"
// when the top level carries no id.
func (s Schema) unwrapObject(body []byte) (map[string]any, error) {
	var obj map[string]any
	if err := decodeJSON(body, &obj); err != nil {
		return nil, err
	}
	if _, ok := obj[s.IDField]; ok {
		return obj, nil
	}
	for _, key := range []string{"data", "item"} {
		if inner, ok := obj[key].(map[string]any); ok {
			return inner, nil
		}
	}
	return obj, nil
}

func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp reads RFC 3339-ish strings and unix seconds or
// milliseconds. Unparseable values yield the zero time.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts.UTC()
			}
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return unixTime(n)
		}
		if f, err := t.Float64(); err == nil {
			return unixTime(int64(f))
		}
	case float64:
		return unixTime(int64(t))
	}
	return time.Time{}
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func errorState(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return ""
		}
		return t.String()
	case float64:
		if t == 0 {
			return ""
		}
	case int:
		if t == 0 {
			return ""
		}
	case int64:
		if t == 0 {
			return ""
		}
	case map[string]any:
		if len(t) == 0 {
			return ""
		}
	case []any:
		if len(t) == 0 {
			return ""
		}
	}
	return scalarString(v)
}
