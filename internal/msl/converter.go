package msl

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// widevineSchemeID identifies the Widevine CENC scheme in MPD
// ContentProtection elements.
const widevineSchemeID = "urn:uuid:EDEF8BA9-79D6-4ACE-A3C8-27DCD51D21ED"

// MPD document model, trimmed to the elements the players consume.
type mpdDocument struct {
	XMLName              xml.Name  `xml:"MPD"`
	Xmlns                string    `xml:"xmlns,attr"`
	XmlnsCenc            string    `xml:"xmlns:cenc,attr"`
	Profiles             string    `xml:"profiles,attr"`
	Type                 string    `xml:"type,attr"`
	MediaPresentationDur string    `xml:"mediaPresentationDuration,attr"`
	MinBufferTime        string    `xml:"minBufferTime,attr"`
	Period               mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	Start          string             `xml:"start,attr"`
	Duration       string             `xml:"duration,attr"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	ID                 string                 `xml:"id,attr,omitempty"`
	ContentType        string                 `xml:"contentType,attr"`
	MimeType           string                 `xml:"mimeType,attr"`
	Lang               string                 `xml:"lang,attr,omitempty"`
	Default            bool                   `xml:"default,attr,omitempty"`
	ContentProtections []mpdContentProtection `xml:"ContentProtection,omitempty"`
	Representations    []mpdRepresentation    `xml:"Representation"`
}

type mpdContentProtection struct {
	SchemeIDURI string   `xml:"schemeIdUri,attr"`
	Value       string   `xml:"value,attr,omitempty"`
	Pssh        *mpdPssh `xml:"cenc:pssh,omitempty"`
}

type mpdPssh struct {
	Value string `xml:",chardata"`
}

type mpdRepresentation struct {
	ID                string `xml:"id,attr"`
	Bandwidth         int    `xml:"bandwidth,attr"`
	Codecs            string `xml:"codecs,attr,omitempty"`
	Width             int    `xml:"width,attr,omitempty"`
	Height            int    `xml:"height,attr,omitempty"`
	FrameRate         string `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate string `xml:"audioSamplingRate,attr,omitempty"`
	BaseURL           string `xml:"BaseURL"`
}

// ConvertToDash renders the decoded manifest as a DASH MPD document.
// One adaptation set per video track, audio track and subtitle track;
// the Widevine init data rides in a ContentProtection element.
func ConvertToDash(m *Manifest) ([]byte, error) {
	duration := mpdDuration(m.Duration)
	doc := mpdDocument{
		Xmlns:                "urn:mpeg:dash:schema:mpd:2011",
		XmlnsCenc:            "urn:mpeg:cenc:2013",
		Profiles:             "urn:mpeg:dash:profile:isoff-live:2011",
		Type:                 "static",
		MediaPresentationDur: duration,
		MinBufferTime:        "PT4S",
		Period: mpdPeriod{
			Start:    "PT0S",
			Duration: duration,
		},
	}

	for i, track := range m.VideoTracks {
		set := mpdAdaptationSet{
			ID:          fmt.Sprintf("video-%d", i),
			ContentType: "video",
			MimeType:    "video/mp4",
		}
		if track.DrmHeader.Bytes != "" {
			set.ContentProtections = []mpdContentProtection{
				{SchemeIDURI: "urn:mpeg:dash:mp4protection:2011", Value: "cenc"},
				{SchemeIDURI: widevineSchemeID, Pssh: &mpdPssh{Value: track.DrmHeader.Bytes}},
			}
		}
		for _, stream := range track.Streams {
			if len(stream.URLs) == 0 {
				continue
			}
			rep := mpdRepresentation{
				ID:        stream.DownloadableID,
				Bandwidth: stream.Bitrate * 1000,
				Codecs:    dashVideoCodec(stream.ContentProfile),
				Width:     stream.ResW,
				Height:    stream.ResH,
				BaseURL:   stream.URLs[0].URL,
			}
			if stream.FrameRateValue > 0 && stream.FrameRateScale > 0 {
				rep.FrameRate = fmt.Sprintf("%d/%d", stream.FrameRateValue, stream.FrameRateScale)
			}
			set.Representations = append(set.Representations, rep)
		}
		if len(set.Representations) > 0 {
			doc.Period.AdaptationSets = append(doc.Period.AdaptationSets, set)
		}
	}

	for i, track := range m.AudioTracks {
		set := mpdAdaptationSet{
			ID:          fmt.Sprintf("audio-%d", i),
			ContentType: "audio",
			MimeType:    "audio/mp4",
			Lang:        track.Language,
			Default:     i == 0,
		}
		for _, stream := range track.Streams {
			if len(stream.URLs) == 0 {
				continue
			}
			set.Representations = append(set.Representations, mpdRepresentation{
				ID:                stream.DownloadableID,
				Bandwidth:         stream.Bitrate * 1000,
				Codecs:            dashAudioCodec(stream.ContentProfile),
				AudioSamplingRate: "48000",
				BaseURL:           stream.URLs[0].URL,
			})
		}
		if len(set.Representations) > 0 {
			doc.Period.AdaptationSets = append(doc.Period.AdaptationSets, set)
		}
	}

	for i, track := range m.TimedTextTracks {
		set := mpdAdaptationSet{
			ID:          fmt.Sprintf("text-%d", i),
			ContentType: "text",
			MimeType:    "application/ttml+xml",
			Lang:        track.Language,
		}
		for _, stream := range track.Streams {
			if len(stream.URLs) == 0 {
				continue
			}
			set.Representations = append(set.Representations, mpdRepresentation{
				ID:        stream.DownloadableID,
				Bandwidth: 0,
				BaseURL:   stream.URLs[0].URL,
			})
		}
		if len(set.Representations) > 0 {
			doc.Period.AdaptationSets = append(doc.Period.AdaptationSets, set)
		}
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("msl: render mpd: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// mpdDuration formats a millisecond duration as an ISO-8601 duration.
func mpdDuration(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("PT%dH%dM%dS", secs/3600, (secs%3600)/60, secs%60)
}

// dashVideoCodec maps a manifest content profile to an RFC 6381 codecs
// string.
func dashVideoCodec(profile string) string {
	switch {
	case strings.Contains(profile, "h264hpl"):
		return "avc1.640028"
	case strings.Contains(profile, "h264"):
		return "avc1.4D401F"
	case strings.Contains(profile, "hevc"):
		return "hvc1.2.4.L120.90"
	case strings.Contains(profile, "vp9"):
		return "vp9.0"
	default:
		return ""
	}
}

// dashAudioCodec maps a manifest content profile to an RFC 6381 codecs
// string.
func dashAudioCodec(profile string) string {
	switch {
	case strings.Contains(profile, "ddplus"):
		return "ec-3"
	case strings.Contains(profile, "heaac"):
		return "mp4a.40.5"
	default:
		return "mp4a.40.2"
	}
}
