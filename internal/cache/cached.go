package cache

import (
	"context"
	"encoding/json"
)

// CachedJSON wraps fetch with read-through caching: the result is
// JSON-encoded under (bucket, identifier) and served from the cache on
// subsequent calls until it expires. Cache misses and undecodable
// entries are swallowed; they just trigger a fresh fetch.
func CachedJSON[T any](
	m *Manager,
	b Bucket,
	fetch func(ctx context.Context, identifier string) (T, error),
) func(ctx context.Context, identifier string) (T, error) {
	return func(ctx context.Context, identifier string) (T, error) {
		if data, err := m.Get(b, identifier); err == nil {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return v, nil
			}
			// Undecodable entry: drop it and fall through to fetch.
			m.Delete(b, identifier, false)
		}

		v, err := fetch(ctx, identifier)
		if err != nil {
			var zero T
			return zero, err
		}
		if data, err := json.Marshal(v); err == nil {
			m.Add(b, identifier, data, nil)
		}
		return v, nil
	}
}

// CachedBytes is CachedJSON for raw byte values (manifests, artwork),
// skipping the JSON round trip.
func CachedBytes(
	m *Manager,
	b Bucket,
	fetch func(ctx context.Context, identifier string) ([]byte, error),
) func(ctx context.Context, identifier string) ([]byte, error) {
	return func(ctx context.Context, identifier string) ([]byte, error) {
		if data, err := m.Get(b, identifier); err == nil {
			return data, nil
		}
		data, err := fetch(ctx, identifier)
		if err != nil {
			return nil, err
		}
		m.Add(b, identifier, data, nil)
		return data, nil
	}
}
