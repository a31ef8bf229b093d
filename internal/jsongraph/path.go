// Package jsongraph models the Falcor wire formats used by the Netflix
// API: array-of-segments path queries on the way out, JSON-Graph
// documents with ref/atom/sentinel markers on the way back.
package jsongraph

import (
	"encoding/json"
	"fmt"
)

// Segment is one element of a Falcor path.
type Segment interface {
	segment() any
}

// Name addresses a map key.
type Name string

func (n Name) segment() any { return string(n) }

// Index addresses a numeric key.
type Index int

func (i Index) segment() any { return int(i) }

// Range selects the inclusive key range [From, To].
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r Range) segment() any {
	return map[string]int{"from": r.From, "to": r.To}
}

// Choice branches the path over several keys at the same depth.
type Choice []Segment

func (c Choice) segment() any {
	out := make([]any, len(c))
	for i, s := range c {
		out[i] = s.segment()
	}
	return out
}

// RangePlaceholder stands in for the paging range of a perpetual path
// request; the session substitutes a concrete Range per page.
type RangePlaceholder struct{}

func (RangePlaceholder) segment() any { return "RANGE_PLACEHOLDER" }

// Path is a full Falcor path.
type Path []Segment

// MarshalJSON encodes the path as the pathEvaluator body expects it:
// names as strings, indices as numbers, ranges as {from,to} objects and
// choices as nested arrays.
func (p Path) MarshalJSON() ([]byte, error) {
	out := make([]any, len(p))
	for i, s := range p {
		out[i] = s.segment()
	}
	return json.Marshal(out)
}

// SubstituteRange returns a copy of the path with every
// RangePlaceholder replaced by r. The boolean reports whether a
// placeholder was found.
func (p Path) SubstituteRange(r Range) (Path, bool) {
	out := make(Path, len(p))
	found := false
	for i, s := range p {
		switch seg := s.(type) {
		case RangePlaceholder:
			out[i] = r
			found = true
		case Choice:
			out[i] = seg
		default:
			out[i] = s
		}
	}
	return out, found
}

// ParsePath decodes a path from its wire form, the inverse of
// MarshalJSON. Numbers may arrive as float64 (encoding/json) or as
// signed/unsigned integers (CBOR decoders).
func ParsePath(raw []any) (Path, error) {
	out := make(Path, 0, len(raw))
	for i, seg := range raw {
		s, err := parseSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSegment(raw any) (Segment, error) {
	switch v := raw.(type) {
	case string:
		if v == "RANGE_PLACEHOLDER" {
			return RangePlaceholder{}, nil
		}
		return Name(v), nil
	case []any:
		choice := make(Choice, 0, len(v))
		for _, entry := range v {
			s, err := parseSegment(entry)
			if err != nil {
				return nil, err
			}
			choice = append(choice, s)
		}
		return choice, nil
	case map[string]any:
		return parseRange(func(key string) (any, bool) {
			val, ok := v[key]
			return val, ok
		})
	case map[any]any:
		return parseRange(func(key string) (any, bool) {
			val, ok := v[key]
			return val, ok
		})
	default:
		if idx, ok := asInt(raw); ok {
			return Index(idx), nil
		}
		return nil, fmt.Errorf("unsupported segment type %T", raw)
	}
}

func parseRange(lookup func(string) (any, bool)) (Segment, error) {
	fromRaw, okFrom := lookup("from")
	toRaw, okTo := lookup("to")
	if !okFrom || !okTo {
		return nil, fmt.Errorf("range segment needs from and to")
	}
	from, okFrom := asInt(fromRaw)
	to, okTo := asInt(toRaw)
	if !okFrom || !okTo {
		return nil, fmt.Errorf("range segment bounds must be integers")
	}
	return Range{From: from, To: to}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// String renders the path for logs.
func (p Path) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<invalid path: %v>", err)
	}
	return string(data)
}
