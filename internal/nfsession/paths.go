package nfsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/jsongraph"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// RangeSelectorKey marks an incomplete perpetual path request in the
// merged response; its value carries the resume offsets.
const RangeSelectorKey = "_perpetual_range_selector"

// PathRequest posts the given Falcor paths to the pathEvaluator and
// returns the decoded JSON-Graph. A 401 or 404 triggers one
// transparent session refresh and retry.
func (s *Session) PathRequest(ctx context.Context, paths []jsongraph.Path) (map[string]any, error) {
	form := url.Values{}
	for _, p := range paths {
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("nfsession: encode path %s: %w", p, err)
		}
		form.Add("path", string(encoded))
	}

	data, err := s.callWithRefresh(ctx, "path_evaluator", nil, form)
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("nfsession: parse path response: %w", err)
	}
	if graph, ok := resp["jsonGraph"].(map[string]any); ok {
		return graph, nil
	}
	return resp, nil
}

// callWithRefresh is call with the 401/404 refresh-retry-once policy.
func (s *Session) callWithRefresh(ctx context.Context, name string, query, form url.Values) ([]byte, error) {
	data, err := s.call(ctx, name, query, form)
	var httpErr *nferrors.HTTPError
	if errors.As(err, &httpErr) &&
		(httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusNotFound) {
		s.log.Warn("nfsession: session looks stale, refreshing",
			zap.Int("status", httpErr.Status))
		if rerr := s.RefreshSession(ctx); rerr != nil {
			return nil, rerr
		}
		return s.call(ctx, name, query, form)
	}
	return data, err
}

// PerpetualPathRequest pages through a list longer than the server's
// per-request cap. Every page substitutes the paths' range placeholder
// with the next window and deep-merges the result. It stops when a
// page comes back short (list exhausted) or when the per-call request
// budget runs out, in which case a range selector is embedded so a
// later call can resume. lengthPath addresses the map whose numeric
// keys are counted to detect the short page.
func (s *Session) PerpetualPathRequest(ctx context.Context, paths []jsongraph.Path, lengthPath []string, rangeStart int) (map[string]any, error) {
	size := s.opts.PathRequestSize
	maxRequests := s.opts.PathRequestsPerCall

	var merged map[string]any
	start := rangeStart
	complete := false

	for i := 0; i < maxRequests; i++ {
		window := jsongraph.Range{From: start, To: start + size - 1}
		pagePaths := make([]jsongraph.Path, len(paths))
		substituted := false
		for pi, p := range paths {
			withRange, found := p.SubstituteRange(window)
			pagePaths[pi] = withRange
			substituted = substituted || found
		}
		if !substituted {
			return nil, errors.New("nfsession: perpetual path request needs a range placeholder")
		}

		page, err := s.PathRequest(ctx, pagePaths)
		if err != nil {
			return nil, err
		}
		count := countIndexKeys(page, lengthPath, window)
		merged = jsongraph.Merge(merged, page)

		if count < size {
			complete = true
			break
		}
		start += size
	}

	if !complete {
		previous := rangeStart - size*maxRequests
		if previous < 0 {
			previous = 0
		}
		selector := map[string]any{
			"next_start":     start,
			"previous_start": previous,
		}
		if merged == nil {
			merged = make(map[string]any)
		}
		merged[RangeSelectorKey] = selector
	}
	return merged, nil
}

// countIndexKeys counts the numeric keys inside the requested window
// at lengthPath in one response page.
func countIndexKeys(page map[string]any, lengthPath []string, window jsongraph.Range) int {
	node, err := jsongraph.GetPath(page, lengthPath...)
	if err != nil {
		return 0
	}
	m, ok := node.(map[string]any)
	if !ok {
		return 0
	}
	count := 0
	for key := range m {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if idx >= window.From && idx <= window.To {
			count++
		}
	}
	return count
}
