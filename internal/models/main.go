// Package models defines the core data structures shared by the
// session, MSL and IPC layers.
package models

// Profile represents one Netflix account profile.
type Profile struct {
	// GUID is the unique profile identifier.
	GUID string `json:"guid"`
	// Name is the display name.
	Name string `json:"name"`
	// AvatarURL points to the profile avatar image.
	AvatarURL string `json:"avatarUrl"`
	// Locale is the profile language, e.g. "en-US".
	Locale string `json:"locale"`
	// IsAccountOwner marks the owner profile.
	IsAccountOwner bool `json:"isAccountOwner"`
	// IsKids marks a kids profile.
	IsKids bool `json:"isKids"`
	// IsPINLocked marks a profile protected by a PIN.
	IsPINLocked bool `json:"isPinLocked"`
}

// PlayerState is the player snapshot used to build event media tags.
type PlayerState struct {
	// AudioLanguage is the active audio track language code.
	AudioLanguage string `json:"audioLanguage"`
	// AudioChannels is the active channel layout, e.g. "2.0", "5.1".
	AudioChannels string `json:"audioChannels"`
	// VideoCodec is the active video codec, e.g. "h264".
	VideoCodec string `json:"videoCodec"`
	// Width and Height describe the active video resolution.
	Width  int `json:"width"`
	Height int `json:"height"`
	// ElapsedSeconds is the current playback position.
	ElapsedSeconds int `json:"elapsedSeconds"`
}

// PlayerStateProvider returns the current player state on demand. The
// DRM player implements this outside the core.
type PlayerStateProvider interface {
	PlayerState() (PlayerState, error)
}

// EventType identifies a playback event post.
type EventType string

const (
	// EventStart opens a playback session on the server.
	EventStart EventType = "start"
	// EventKeepAlive is posted periodically while playing.
	EventKeepAlive EventType = "keepAlive"
	// EventEngage is posted on user interaction (seek, pause).
	EventEngage EventType = "engage"
	// EventStop closes the playback session.
	EventStop EventType = "stop"
)

// Event is one playback state transition to report to the server.
type Event struct {
	Type    EventType   `json:"event"`
	VideoID string      `json:"videoId"`
	State   PlayerState `json:"state"`
}
