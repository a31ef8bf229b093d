package jsongraph

import (
	"fmt"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// maxRefDepth bounds ref-chain dereferencing. Well-formed documents
// need one or two hops; anything deeper is a cycle.
const maxRefDepth = 10

// typeKey marks JSON-Graph primitives inside decoded documents.
const typeKey = "$type"

// IsRef reports whether v is a JSON-Graph ref marker.
func IsRef(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m[typeKey] == "ref"
}

// RefPath returns the target path of a ref marker as key strings.
func RefPath(v any) ([]string, bool) {
	m, ok := v.(map[string]any)
	if !ok || m[typeKey] != "ref" {
		return nil, false
	}
	raw, ok := m["value"].([]any)
	if !ok {
		return nil, false
	}
	path := make([]string, len(raw))
	for i, seg := range raw {
		switch s := seg.(type) {
		case string:
			path[i] = s
		case float64:
			path[i] = fmt.Sprintf("%.0f", s)
		default:
			return nil, false
		}
	}
	return path, true
}

// IsAtom reports whether v is a JSON-Graph atom marker.
func IsAtom(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m[typeKey] == "atom"
}

// AtomValue unwraps an atom marker; non-atoms pass through unchanged.
func AtomValue(v any) any {
	if m, ok := v.(map[string]any); ok && m[typeKey] == "atom" {
		return m["value"]
	}
	return v
}

// IsSentinel reports whether v is an end-of-range sentinel. Sentinels
// read as absence everywhere; they are never returned to callers.
func IsSentinel(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m[typeKey] == "sentinel"
}

// Resolve dereferences v against root until it is neither a ref nor an
// atom. Sentinels and broken refs resolve to nil. Resolving an already
// resolved value is a no-op.
func Resolve(root map[string]any, v any) any {
	for depth := 0; depth < maxRefDepth; depth++ {
		if IsSentinel(v) {
			return nil
		}
		path, ok := RefPath(v)
		if !ok {
			return AtomValue(v)
		}
		target, err := walk(root, path)
		if err != nil {
			return nil
		}
		v = target
	}
	return nil
}

// GetPath walks path through root, dereferencing refs at every hop.
// A missing key or a sentinel yields nferrors.ErrPathNotFound.
func GetPath(root map[string]any, path ...string) (any, error) {
	v, err := walk(root, path)
	if err != nil {
		return nil, err
	}
	resolved := Resolve(root, v)
	if resolved == nil && !isNull(v) {
		return nil, nferrors.ErrPathNotFound
	}
	return resolved, nil
}

// GetPathSafe is GetPath with a caller-supplied default for any missing
// path. Most callers use this; GetPath is for paths whose absence is a
// protocol error.
func GetPathSafe(root map[string]any, def any, path ...string) any {
	v, err := GetPath(root, path...)
	if err != nil {
		return def
	}
	return v
}

func walk(root map[string]any, path []string) (any, error) {
	var current any = root
	for _, key := range path {
		// Hop through refs before indexing deeper.
		for depth := 0; IsRef(current); depth++ {
			if depth >= maxRefDepth {
				return nil, nferrors.ErrPathNotFound
			}
			refPath, ok := RefPath(current)
			if !ok {
				return nil, nferrors.ErrPathNotFound
			}
			target, err := walk(root, refPath)
			if err != nil {
				return nil, err
			}
			current = target
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nferrors.ErrPathNotFound
		}
		next, ok := m[key]
		if !ok || IsSentinel(next) {
			return nil, nferrors.ErrPathNotFound
		}
		current = next
	}
	return current, nil
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if m, ok := v.(map[string]any); ok {
		if m[typeKey] == "atom" {
			return m["value"] == nil
		}
	}
	return false
}

// Merge deep-updates dst with src and returns dst. Nested maps merge
// recursively; everything else overwrites. Perpetual path requests use
// this to stitch response pages together.
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[key].(map[string]any); ok {
				dst[key] = Merge(dm, sm)
				continue
			}
		}
		dst[key] = sv
	}
	return dst
}
