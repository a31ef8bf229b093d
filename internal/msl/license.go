package msl

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
)

// GetLicense exchanges a Widevine challenge for raw license bytes. The
// session id is the one recorded when the manifest for videoID was
// fetched; a license without a preceding manifest cannot be served.
func (h *Handler) GetLicense(ctx context.Context, videoID int64, challenge []byte) ([]byte, error) {
	sidAny, ok := h.sessionIDs.Load(videoID)
	if !ok {
		return nil, fmt.Errorf("msl: no drm session for video %d, fetch the manifest first", videoID)
	}
	sessionID := sidAny.(string)

	payload := map[string]any{
		"version":   2,
		"url":       endpointLicense,
		"id":        h.now().UnixMilli(),
		"languages": []string{"en-US"},
		"params": []any{map[string]any{
			"sessionId":       sessionID,
			"clientTime":      h.now().Unix(),
			"challengeBase64": base64.StdEncoding.EncodeToString(challenge),
			"xid":             strconv.FormatInt(h.now().UnixMilli(), 10),
		}},
		"echo": "sessionId",
	}

	resp, err := h.request(ctx, endpointLicense, payload, false)
	if err != nil {
		return nil, err
	}

	result, ok := resp["result"].([]any)
	if !ok || len(result) == 0 {
		return nil, fmt.Errorf("msl: license result missing")
	}
	first, ok := result[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("msl: license result malformed")
	}
	licenseB64, ok := first["licenseResponseBase64"].(string)
	if !ok || licenseB64 == "" {
		return nil, fmt.Errorf("msl: license response missing license data")
	}
	license, err := base64.StdEncoding.DecodeString(licenseB64)
	if err != nil {
		return nil, fmt.Errorf("msl: decode license: %w", err)
	}
	return license, nil
}
