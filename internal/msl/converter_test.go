package msl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testManifest() *Manifest {
	m := &Manifest{
		MovieID:    80001234,
		Duration:   30 * 60 * 1000,
		Expiration: 0,
		VideoTracks: []VideoTrack{{
			TrackID:    1,
			NewTrackID: "V:1",
			Streams: []VideoStream{
				{
					DownloadableID: "vid-sd",
					Bitrate:        1500,
					ResW:           1280, ResH: 720,
					ContentProfile: "playready-h264mpl30-dash",
					FrameRateValue: 24000, FrameRateScale: 1001,
					URLs: []StreamURL{{URL: "https://cdn.example/vid-sd", CdnID: 1}},
				},
				{
					DownloadableID: "vid-hd",
					Bitrate:        4800,
					ResW:           1920, ResH: 1080,
					ContentProfile: "playready-h264hpl40-dash",
					URLs:           []StreamURL{{URL: "https://cdn.example/vid-hd", CdnID: 1}},
				},
			},
		}},
		AudioTracks: []AudioTrack{{
			TrackID:    2,
			NewTrackID: "A:1",
			Language:   "en",
			Channels:   "2.0",
			Streams: []AudioStream{
				{DownloadableID: "aud-lo", Bitrate: 96, ContentProfile: "heaac-2-dash",
					URLs: []StreamURL{{URL: "https://cdn.example/aud-lo"}}},
				{DownloadableID: "aud-hi", Bitrate: 192, ContentProfile: "heaac-2-dash",
					URLs: []StreamURL{{URL: "https://cdn.example/aud-hi"}}},
			},
		}},
		TimedTextTracks: []TextTrack{{
			NewTrackID: "T:1",
			Language:   "en",
			Streams: []TextStream{{DownloadableID: "sub-en", ContentProfile: "simplesdh",
				URLs: []StreamURL{{URL: "https://cdn.example/sub-en"}}}},
		}},
	}
	m.VideoTracks[0].DrmHeader.Bytes = "cHNzaC1pbml0LWRhdGE="
	return m
}

func TestConvertToDash(t *testing.T) {
	mpd, err := ConvertToDash(testManifest())
	require.NoError(t, err)

	body := string(mpd)
	require.True(t, strings.HasPrefix(body, "<?xml"), "document must start with an xml declaration")
	require.Contains(t, body, "<MPD")
	require.Contains(t, body, `mediaPresentationDuration="PT0H30M0S"`)
	require.Contains(t, body, widevineSchemeID)
	require.Contains(t, body, "cHNzaC1pbml0LWRhdGE=")
	require.Contains(t, body, `id="vid-hd"`)
	require.Contains(t, body, `width="1920"`)
	require.Contains(t, body, `frameRate="24000/1001"`)
	require.Contains(t, body, "https://cdn.example/aud-hi")
	require.Contains(t, body, `lang="en"`)
	require.Contains(t, body, "https://cdn.example/sub-en")
}

func TestConvertToDashSkipsStreamsWithoutURLs(t *testing.T) {
	m := testManifest()
	m.VideoTracks[0].Streams[0].URLs = nil

	mpd, err := ConvertToDash(m)
	require.NoError(t, err)
	require.NotContains(t, string(mpd), `id="vid-sd"`)
	require.Contains(t, string(mpd), `id="vid-hd"`)
}
