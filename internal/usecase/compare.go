package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"bytemomo/fleetwarden/internal/config"
	"bytemomo/fleetwarden/internal/domain"
)

// FieldComparator reports whether an actual value satisfies a desired one.
type FieldComparator func(desired, actual any) bool

// Comparator decides field equality between desired fields and a fetched
// record. Only desired fields are compared; extra fields on the record are
// ignored.
type Comparator struct {
	fold   map[string]bool
	trim   map[string]bool
	ignore map[string]bool
	custom map[string]FieldComparator
}

// NewComparator builds a comparator from the compare section of a desired
// state file.
func NewComparator(cfg config.CompareConfig) *Comparator {
	return &Comparator{
		fold:   toBoolSet(cfg.CaseInsensitive),
		trim:   toBoolSet(cfg.TrimSpace),
		ignore: toBoolSet(cfg.Ignore),
		custom: make(map[string]FieldComparator),
	}
}

// With registers a custom comparator for field.
func (c *Comparator) With(field string, fn FieldComparator) *Comparator {
	c.custom[field] = fn
	return c
}

// Equal compares one field.
func (c *Comparator) Equal(field string, desired, actual any) bool {
	if fn, ok := c.custom[field]; ok {
		return fn(desired, actual)
	}
	if d, ok := toFloat(desired); ok {
		if a, ok := toFloat(actual); ok {
			return d == a
		}
	}

	ds, as := canonical(desired), canonical(actual)
	if c.trim[field] || c.fold[field] {
		ds, as = strings.TrimSpace(ds), strings.TrimSpace(as)
	}
	if c.fold[field] {
		return strings.EqualFold(ds, as)
	}
	return ds == as
}

// Diff returns one reason per desired field the actual fields do not
// satisfy, sorted by field name. An empty result means the record matches.
func (c *Comparator) Diff(desired, actual domain.Fields) []string {
	fields := make([]string, 0, len(desired))
	for f := range desired {
		if !c.ignore[f] {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	var reasons []string
	for _, f := range fields {
		want := desired[f]
		have, ok := actual[f]
		if !ok {
			if want == nil {
				continue
			}
			reasons = append(reasons, fmt.Sprintf("%s: missing, want %q", f, canonical(want)))
			continue
		}
		if !c.Equal(f, want, have) {
			reasons = append(reasons, fmt.Sprintf("%s: have %q, want %q", f, canonical(have), canonical(want)))
		}
	}
	return reasons
}

// canonical renders a value for comparison. Numbers lose their Go type,
// composites are compared through their JSON encoding.
func canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return t.String()
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// toFloat accepts numeric types and json.Number. Strings are not numbers
// here; "40" and 40 still compare equal through canonical.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func toBoolSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
