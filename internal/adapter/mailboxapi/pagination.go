package mailboxapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"bytemomo/fleetwarden/internal/domain"
)

// page is one decoded list response.
type page struct {
	items []map[string]any
	next  string
}

// decodePage accepts a bare JSON array or an envelope object:
//
//	{"items": [...], "next_starting_after": "cursor"}
//
// "data" is accepted in place of "items".
func decodePage(body []byte) (page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return page{}, fmt.Errorf("empty body")
	}

	switch trimmed[0] {
	case '[':
		var items []map[string]any
		if err := decodeJSON(trimmed, &items); err != nil {
			return page{}, err
		}
		return page{items: items}, nil

	case '{':
		var envelope struct {
			Items []map[string]any `json:"items"`
			Data  []map[string]any `json:"data"`
			Next  json.RawMessage  `json:"next_starting_after"`
		}
		if err := decodeJSON(trimmed, &envelope); err != nil {
			return page{}, err
		}
		p := page{items: envelope.Items}
		if p.items == nil {
			p.items = envelope.Data
		}
		if len(envelope.Next) > 0 {
			var next any
			if err := decodeJSON(envelope.Next, &next); err == nil {
				p.next = scalarString(next)
			}
		}
		return p, nil

	default:
		return page{}, fmt.Errorf("expected JSON array or object")
	}
}

// collector keeps records in first-seen order and replaces earlier copies of
// an id with later ones.
type collector struct {
	records    []domain.Record
	index      map[string]int
	duplicates int
	skipped    int
}

func newCollector() *collector {
	return &collector{index: make(map[string]int)}
}

func (c *collector) add(rec domain.Record) {
	if i, ok := c.index[rec.ID]; ok {
		c.records[i] = rec
		c.duplicates++
		return
	}
	c.index[rec.ID] = len(c.records)
	c.records = append(c.records, rec)
}
