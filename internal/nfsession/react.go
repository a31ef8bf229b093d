package nfsession

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/jsongraph"
)

// The login and browse pages embed their state as javascript object
// literals inside script tags.
var (
	reactContextRe = regexp.MustCompile(`netflix\.reactContext\s*=\s*(.+?);\s*</script>`)
	falcorCacheRe  = regexp.MustCompile(`netflix\.falcorCache\s*=\s*(.+?);\s*</script>`)
)

var errMarkerNotFound = errors.New("nfsession: page marker not found")

// extractReactContext pulls the reactContext object out of a page.
func extractReactContext(page []byte) (map[string]any, error) {
	return extractJSONVar(page, reactContextRe)
}

// extractFalcorCache pulls the falcorCache JSON-Graph out of a page.
func extractFalcorCache(page []byte) (map[string]any, error) {
	return extractJSONVar(page, falcorCacheRe)
}

func extractJSONVar(page []byte, re *regexp.Regexp) (map[string]any, error) {
	m := re.FindSubmatch(page)
	if m == nil {
		return nil, errMarkerNotFound
	}
	// \xNN escapes are valid javascript but not JSON; rewrite them to
	// unicode escapes so the decoder handles them.
	raw := bytes.ReplaceAll(m[1], []byte(`\x`), []byte(`\u00`))
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("nfsession: parse embedded json: %w", err)
	}
	return doc, nil
}

// contextString reads a string at path in a decoded context document,
// returning def when absent or of another type.
func contextString(doc map[string]any, def string, path ...string) string {
	v := jsongraph.GetPathSafe(doc, def, path...)
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
