package msl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
)

func TestBuildMediaID(t *testing.T) {
	h := &Handler{}
	h.manifests.put("80001234", testManifest())

	state := models.PlayerState{
		AudioLanguage: "en",
		AudioChannels: "2.0",
		VideoCodec:    "h264",
		Width:         1920,
		Height:        1080,
	}
	mediaID, err := h.buildMediaID("80001234", state)
	require.NoError(t, err)
	// Highest-bitrate audio stream of the matching track, exact video
	// stream match, subtitles off.
	require.Equal(t, "A:aud-hi|V:vid-hd|T:NONE:NONE", mediaID)
}

func TestBuildMediaIDUnmatchedStateFails(t *testing.T) {
	h := &Handler{}
	h.manifests.put("80001234", testManifest())

	_, err := h.buildMediaID("80001234", models.PlayerState{
		AudioLanguage: "de", AudioChannels: "5.1",
		VideoCodec: "h264", Width: 1920, Height: 1080,
	})
	require.Error(t, err, "an audio state absent from the manifest must not be reported")

	_, err = h.buildMediaID("80001234", models.PlayerState{
		AudioLanguage: "en", AudioChannels: "2.0",
		VideoCodec: "hevc", Width: 1920, Height: 1080,
	})
	require.Error(t, err, "a video state absent from the manifest must not be reported")

	_, err = h.buildMediaID("99", models.PlayerState{})
	require.Error(t, err, "events require a previously fetched manifest")
}

func TestEventQueueTracksOpenSessions(t *testing.T) {
	srv := newMSLServer(t)
	h := newTestHandler(t, srv, staticProfiles{active: "own", owner: "own"}, nil)
	h.manifests.put("80001234", testManifest())

	require.False(t, h.PlaybackActive())

	h.PostEvent(models.Event{Type: models.EventStart, VideoID: "80001234", State: models.PlayerState{
		AudioLanguage: "en", AudioChannels: "2.0",
		VideoCodec: "h264", Width: 1920, Height: 1080,
	}})
	require.True(t, h.PlaybackActive(), "a start without a stop keeps the session open")

	h.PostEvent(models.Event{Type: models.EventStop, VideoID: "80001234"})
	require.False(t, h.PlaybackActive())
}
