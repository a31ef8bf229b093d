package jsongraph

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

func TestPathMarshal(t *testing.T) {
	p := Path{
		Name("lolomos"),
		Name("root"),
		Range{From: 0, To: 46},
		Choice{Name("title"), Name("synopsis")},
		Index(2),
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t,
		`["lolomos","root",{"from":0,"to":46},["title","synopsis"],2]`,
		string(data))
}

func TestSubstituteRange(t *testing.T) {
	p := Path{Name("videos"), RangePlaceholder{}, Name("summary")}
	out, found := p.SubstituteRange(Range{From: 47, To: 93})
	require.True(t, found)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.JSONEq(t, `["videos",{"from":47,"to":93},"summary"]`, string(data))

	// The original is untouched.
	data, err = json.Marshal(p)
	require.NoError(t, err)
	require.Contains(t, string(data), "RANGE_PLACEHOLDER")
}

func graphFixture(t *testing.T) map[string]any {
	t.Helper()
	const doc = `{
		"videos": {
			"123": {
				"title": "Some Show",
				"synopsis": {"$type": "atom", "value": "About things."},
				"similar": {"$type": "ref", "value": ["videos", "456"]}
			},
			"456": {"title": "Other Show"}
		},
		"lists": {
			"abc": {
				"0": {"$type": "ref", "value": ["videos", "123"]},
				"1": {"$type": "sentinel"}
			}
		},
		"broken": {"$type": "ref", "value": ["videos", "999"]},
		"loop": {"$type": "ref", "value": ["loop"]}
	}`
	var root map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &root))
	return root
}

func TestResolveRef(t *testing.T) {
	root := graphFixture(t)

	v := Resolve(root, root["lists"].(map[string]any)["abc"].(map[string]any)["0"])
	m, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Some Show", m["title"])
}

func TestResolveIsIdempotent(t *testing.T) {
	root := graphFixture(t)
	once := Resolve(root, root["lists"].(map[string]any)["abc"].(map[string]any)["0"])
	twice := Resolve(root, once)
	require.Equal(t, once, twice)
}

func TestResolveSentinelIsNil(t *testing.T) {
	root := graphFixture(t)
	v := Resolve(root, root["lists"].(map[string]any)["abc"].(map[string]any)["1"])
	require.Nil(t, v)
}

func TestResolveCycleGuard(t *testing.T) {
	root := graphFixture(t)
	require.Nil(t, Resolve(root, root["loop"]))
}

func TestGetPathStrict(t *testing.T) {
	root := graphFixture(t)

	v, err := GetPath(root, "videos", "123", "title")
	require.NoError(t, err)
	require.Equal(t, "Some Show", v)

	// Atoms unwrap.
	v, err = GetPath(root, "videos", "123", "synopsis")
	require.NoError(t, err)
	require.Equal(t, "About things.", v)

	// Refs dereference mid-path.
	v, err = GetPath(root, "lists", "abc", "0", "title")
	require.NoError(t, err)
	require.Equal(t, "Some Show", v)

	_, err = GetPath(root, "videos", "999", "title")
	require.True(t, errors.Is(err, nferrors.ErrPathNotFound))

	// Sentinels read as absence.
	_, err = GetPath(root, "lists", "abc", "1")
	require.True(t, errors.Is(err, nferrors.ErrPathNotFound))
}

func TestGetPathSafeDefault(t *testing.T) {
	root := graphFixture(t)
	require.Equal(t, "fallback", GetPathSafe(root, "fallback", "videos", "999", "title"))
	require.Equal(t, "Some Show", GetPathSafe(root, "fallback", "videos", "123", "title"))
}

func TestMergePagesEqualsFullRange(t *testing.T) {
	page := func(from, to int) map[string]any {
		items := make(map[string]any)
		for i := from; i <= to; i++ {
			items[strconv.Itoa(i)] = map[string]any{"id": i}
		}
		return map[string]any{"lists": map[string]any{"abc": items}}
	}

	merged := Merge(page(0, 4), page(5, 9))
	full := page(0, 9)
	require.Equal(t, full, merged)
}

func TestMergeOverwritesScalars(t *testing.T) {
	dst := map[string]any{"a": 1, "nested": map[string]any{"x": 1}}
	src := map[string]any{"a": 2, "nested": map[string]any{"y": 2}}
	out := Merge(dst, src)
	require.Equal(t, 2, out["a"])
	require.Equal(t, map[string]any{"x": 1, "y": 2}, out["nested"])
}

