package msl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
)

// Manifest is the decoded MSL manifest result: the track/stream graph
// the converter and the event media tags are built from.
type Manifest struct {
	MovieID         int64        `json:"movieId"`
	Duration        int64        `json:"duration"`
	Expiration      int64        `json:"expiration"`
	VideoTracks     []VideoTrack `json:"video_tracks"`
	AudioTracks     []AudioTrack `json:"audio_tracks"`
	TimedTextTracks []TextTrack  `json:"timedtexttracks"`
}

// VideoTrack groups the video streams plus the DRM init data.
type VideoTrack struct {
	TrackID    int64         `json:"trackId"`
	NewTrackID string        `json:"new_track_id"`
	Streams    []VideoStream `json:"streams"`
	DrmHeader  struct {
		Bytes string `json:"bytes"`
	} `json:"drmHeader"`
}

// VideoStream is one downloadable video representation.
type VideoStream struct {
	DownloadableID string      `json:"downloadable_id"`
	Bitrate        int         `json:"bitrate"`
	ResW           int         `json:"res_w"`
	ResH           int         `json:"res_h"`
	ContentProfile string      `json:"content_profile"`
	FrameRateValue int         `json:"framerate_value"`
	FrameRateScale int         `json:"framerate_scale"`
	Size           int64       `json:"size"`
	URLs           []StreamURL `json:"urls"`
}

// AudioTrack groups the audio streams of one language/layout.
type AudioTrack struct {
	TrackID    int64         `json:"trackId"`
	NewTrackID string        `json:"new_track_id"`
	Language   string        `json:"language"`
	Channels   string        `json:"channels"`
	Streams    []AudioStream `json:"streams"`
}

func (t AudioTrack) bestStream() (AudioStream, bool) {
	var best AudioStream
	found := false
	for _, s := range t.Streams {
		if !found || s.Bitrate > best.Bitrate {
			best = s
			found = true
		}
	}
	return best, found
}

// AudioStream is one downloadable audio representation.
type AudioStream struct {
	DownloadableID string      `json:"downloadable_id"`
	Bitrate        int         `json:"bitrate"`
	ContentProfile string      `json:"content_profile"`
	URLs           []StreamURL `json:"urls"`
}

// TextTrack is one subtitle track.
type TextTrack struct {
	NewTrackID string       `json:"new_track_id"`
	Language   string       `json:"language"`
	Streams    []TextStream `json:"streams"`
}

// TextStream is one downloadable subtitle representation.
type TextStream struct {
	DownloadableID string      `json:"downloadable_id"`
	ContentProfile string      `json:"content_profile"`
	URLs           []StreamURL `json:"urls"`
}

// StreamURL is one CDN location for a stream.
type StreamURL struct {
	URL   string `json:"url"`
	CdnID int    `json:"cdn_id"`
}

// manifestStore keeps decoded manifests for the event media tags.
type manifestStore struct {
	mu        sync.Mutex
	manifests map[string]*Manifest
}

func (s *manifestStore) put(videoID string, m *Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifests == nil {
		s.manifests = make(map[string]*Manifest)
	}
	s.manifests[videoID] = m
}

func (s *manifestStore) get(videoID string) (*Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[videoID]
	return m, ok
}

// GetManifest fetches the DASH manifest for videoID and returns it as
// MPD XML. challengeB64 and sessionID come from the player's secure
// Widevine session; without them the request downgrades to SD.
func (h *Handler) GetManifest(ctx context.Context, videoID int64, challengeB64, sessionID string) ([]byte, error) {
	cacheID := "manifest_" + strconv.FormatInt(videoID, 10)
	if mpd, err := h.cache.Get(cache.BucketManifests, cacheID); err == nil {
		if _, ok := h.manifests.get(strconv.FormatInt(videoID, 10)); ok {
			h.log.Debug("msl: manifest served from cache", zap.Int64("videoid", videoID))
			return mpd, nil
		}
	}

	hdAvailable := challengeB64 != "" && sessionID != ""
	if !hdAvailable {
		h.log.Warn("msl: no Widevine challenge/session id, downgrading manifest to SD",
			zap.Int64("videoid", videoID))
	}

	params := map[string]any{
		"type":                  "standard",
		"viewableId":            videoID,
		"profiles":              h.drmProfiles(hdAvailable),
		"flavor":                "PRE_FETCH",
		"drmType":               "widevine",
		"drmVersion":            25,
		"usePsshBox":            true,
		"useHttpsStreams":       true,
		"supportsPreReleasePin": true,
		"supportsWatermark":     true,
		"isBranching":           false,
		"preferAssistiveAudio":  false,
		"showAllSubDubTracks":   h.settings.GetBool("show_all_subtitles", false),
		"uiVersion":             "shakti-v4bf615c3",
		"uiPlatform":            "SHAKTI",
		"clientVersion":         "6.0026.291.011",
		"platform":              "linux",
		"osVersion":             "0.0.0",
		"osName":                "generic",
		"videoOutputInfo": []any{map[string]any{
			"type":                  "DigitalVideoOutputDescriptor",
			"outputType":            "unknown",
			"supportedHdcpVersions": []string{},
			"isHdcpEngaged":         false,
		}},
		"titleSpecificData": map[string]any{
			strconv.FormatInt(videoID, 10): map[string]any{"unletterboxed": true},
		},
	}
	if hdAvailable {
		params["challenge"] = challengeB64
		params["challengeBase64"] = challengeB64
		params["sessionId"] = sessionID
		params["xid"] = sessionID
	}

	payload := map[string]any{
		"version":   2,
		"url":       "/manifest",
		"id":        h.now().UnixMilli(),
		"languages": []string{"en-US"},
		"params":    params,
		"echo":      "",
	}

	resp, err := h.request(ctx, endpointManifest, payload, false)
	if err != nil {
		return nil, err
	}
	resultJSON, err := json.Marshal(resp["result"])
	if err != nil || string(resultJSON) == "null" {
		return nil, fmt.Errorf("msl: manifest result missing")
	}
	var manifest Manifest
	if err := json.Unmarshal(resultJSON, &manifest); err != nil {
		return nil, fmt.Errorf("msl: parse manifest: %w", err)
	}

	mpd, err := ConvertToDash(&manifest)
	if err != nil {
		return nil, err
	}

	h.manifests.put(strconv.FormatInt(videoID, 10), &manifest)
	if sessionID != "" {
		h.sessionIDs.Store(videoID, sessionID)
	}

	opts := &cache.AddOptions{}
	if manifest.Expiration > 0 {
		opts.ExpiresAt = time.UnixMilli(manifest.Expiration)
	}
	h.cache.Add(cache.BucketManifests, cacheID, mpd, opts)
	return mpd, nil
}

// drmProfiles builds the content-profile whitelist. H.264 is always
// offered; the rest follows device capability settings.
func (h *Handler) drmProfiles(hdAvailable bool) []string {
	profiles := []string{
		"playready-h264mpl30-dash",
		"playready-h264mpl31-dash",
		"playready-h264mpl40-dash",
		"heaac-2-dash",
		"simplesdh",
		"nflx-cmisc",
		"BIF240", "BIF320",
	}
	if hdAvailable {
		profiles = append(profiles,
			"playready-h264hpl30-dash",
			"playready-h264hpl31-dash",
			"playready-h264hpl40-dash",
		)
	}
	if h.settings.GetBool("enable_hevc_profiles", false) {
		profiles = append(profiles,
			"hevc-main10-L30-dash-cenc",
			"hevc-main10-L31-dash-cenc",
			"hevc-main10-L40-dash-cenc",
			"hevc-main10-L41-dash-cenc",
		)
		if h.settings.GetBool("enable_hdr_profiles", false) {
			profiles = append(profiles,
				"hevc-hdr-main10-L30-dash-cenc",
				"hevc-hdr-main10-L31-dash-cenc",
				"hevc-hdr-main10-L40-dash-cenc",
				"hevc-hdr-main10-L41-dash-cenc",
			)
		}
		if h.settings.GetBool("enable_dolbyvision_profiles", false) {
			profiles = append(profiles,
				"hevc-dv5-main10-L30-dash-cenc",
				"hevc-dv5-main10-L31-dash-cenc",
				"hevc-dv5-main10-L40-dash-cenc",
				"hevc-dv5-main10-L41-dash-cenc",
			)
		}
	}
	if h.settings.GetBool("enable_vp9_profiles", false) {
		profiles = append(profiles,
			"vp9-profile0-L30-dash-cenc",
			"vp9-profile0-L31-dash-cenc",
			"vp9-profile0-L40-dash-cenc",
		)
	}
	if h.settings.GetBool("enable_ddplus", false) {
		profiles = append(profiles, "ddplus-2.0-dash", "ddplus-5.1-dash")
	}
	return profiles
}
