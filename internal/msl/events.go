package msl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
)

// eventSendTimeout bounds one event post including its single retry.
const eventSendTimeout = 30 * time.Second

// EventQueue posts playback events in the background. Events for the
// same video are serialized in arrival order; failures are logged and
// dropped so playback never blocks on telemetry.
type EventQueue struct {
	h   *Handler
	log *zap.Logger

	mu     sync.Mutex
	queues map[string]chan models.Event
	open   map[string]bool
	closed bool
	wg     sync.WaitGroup
}

func newEventQueue(h *Handler, log *zap.Logger) *EventQueue {
	return &EventQueue{
		h:      h,
		log:    log,
		queues: make(map[string]chan models.Event),
		open:   make(map[string]bool),
	}
}

// Post enqueues an event for delivery. Start events open a session,
// stop events close it; ordering within one video is preserved.
func (q *EventQueue) Post(ev models.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	switch ev.Type {
	case models.EventStart:
		q.open[ev.VideoID] = true
	case models.EventStop:
		delete(q.open, ev.VideoID)
	}
	ch, ok := q.queues[ev.VideoID]
	if !ok {
		ch = make(chan models.Event, 16)
		q.queues[ev.VideoID] = ch
		q.wg.Add(1)
		go q.worker(ev.VideoID, ch)
	}
	q.mu.Unlock()

	select {
	case ch <- ev:
	default:
		q.log.Warn("msl: event queue full, dropping event",
			zap.String("videoid", ev.VideoID), zap.String("event", string(ev.Type)))
	}
}

// Active reports whether any playback session is open (a start event
// was posted without a matching stop).
func (q *EventQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open) > 0
}

// Close stops accepting events and waits for in-flight posts.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.queues {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *EventQueue) worker(videoID string, ch chan models.Event) {
	defer q.wg.Done()
	for ev := range ch {
		if err := q.send(ev); err != nil {
			q.log.Error("msl: event post failed",
				zap.String("videoid", videoID),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// send posts one event, retrying once on failure without backoff.
func (q *EventQueue) send(ev models.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), eventSendTimeout)
	defer cancel()

	payload, err := q.h.buildEventPayload(ev)
	if err != nil {
		return err
	}
	_, err = q.h.request(ctx, endpointEvents, payload, false)
	if err != nil {
		q.log.Warn("msl: event post failed, retrying once",
			zap.String("event", string(ev.Type)), zap.Error(err))
		_, err = q.h.request(ctx, endpointEvents, payload, false)
	}
	return err
}

// PostEvent hands a playback event to the background queue and returns
// immediately.
func (h *Handler) PostEvent(ev models.Event) { h.events.Post(ev) }

// buildEventPayload assembles the event request body. Start and
// keepAlive events carry the media tag of the playing streams.
func (h *Handler) buildEventPayload(ev models.Event) (map[string]any, error) {
	position := int64(ev.State.ElapsedSeconds) * 1000
	sessionID := h.sessionIDFor(ev.VideoID)
	params := map[string]any{
		"event":      string(ev.Type),
		"xid":        sessionID,
		"position":   position,
		"clientTime": h.now().UnixMilli(),
		"sessionId":  sessionID,
		"playTimes": map[string]any{
			"total": position,
		},
		"sessionParams": map[string]any{
			"isUIAutoPlay":          false,
			"supportsPreReleasePin": true,
			"supportsWatermark":     true,
		},
	}
	if ev.Type == models.EventStart || ev.Type == models.EventKeepAlive {
		mediaID, err := h.buildMediaID(ev.VideoID, ev.State)
		if err != nil {
			return nil, err
		}
		params["mediaId"] = mediaID
	}
	return map[string]any{
		"version":   2,
		"url":       string(ev.Type),
		"id":        h.now().UnixMilli(),
		"languages": []string{"en-US"},
		"params":    params,
		"echo":      "",
	}, nil
}

// sessionIDFor returns the DRM session id recorded at manifest time, or
// a fresh id when none exists (SD playback without a DRM session).
func (h *Handler) sessionIDFor(videoID string) string {
	var id int64
	if _, err := fmt.Sscan(videoID, &id); err == nil {
		if v, ok := h.sessionIDs.Load(id); ok {
			return v.(string)
		}
	}
	return uuid.NewString()
}

// buildMediaID resolves the playing streams against the manifest and
// joins their downloadable ids into the event media tag. A state that
// matches no manifest stream is a hard error: reporting a wrong stream
// corrupts server-side viewing history.
func (h *Handler) buildMediaID(videoID string, state models.PlayerState) (string, error) {
	manifest, ok := h.manifests.get(videoID)
	if !ok {
		return "", fmt.Errorf("msl: no manifest held for video %s", videoID)
	}

	audioID := ""
	for _, track := range manifest.AudioTracks {
		if track.Language != state.AudioLanguage || track.Channels != state.AudioChannels {
			continue
		}
		if stream, ok := track.bestStream(); ok {
			audioID = stream.DownloadableID
			break
		}
	}
	if audioID == "" {
		return "", fmt.Errorf("msl: no audio stream matches language %q channels %q",
			state.AudioLanguage, state.AudioChannels)
	}

	videoDLID := ""
	for _, track := range manifest.VideoTracks {
		for _, stream := range track.Streams {
			if stream.ResW == state.Width && stream.ResH == state.Height &&
				profileMatchesCodec(stream.ContentProfile, state.VideoCodec) {
				videoDLID = stream.DownloadableID
				break
			}
		}
		if videoDLID != "" {
			break
		}
	}
	if videoDLID == "" {
		return "", fmt.Errorf("msl: no video stream matches codec %q at %dx%d",
			state.VideoCodec, state.Width, state.Height)
	}

	// Subtitles are reported disabled: the player renders them out of
	// band and the server has no say in it.
	return fmt.Sprintf("A:%s|V:%s|T:NONE:NONE", audioID, videoDLID), nil
}

// profileMatchesCodec maps a player codec name onto the manifest
// content-profile naming.
func profileMatchesCodec(profile, codec string) bool {
	switch codec {
	case "h264", "avc", "avc1":
		return strings.Contains(profile, "h264")
	case "hevc", "h265", "hvc1":
		return strings.Contains(profile, "hevc")
	case "vp9":
		return strings.Contains(profile, "vp9")
	default:
		return strings.Contains(profile, codec)
	}
}
