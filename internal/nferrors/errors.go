// Package nferrors defines the error set shared by the session, cache,
// MSL and IPC layers. Callers discriminate with errors.Is/errors.As, so
// every recoverable condition has a sentinel or a dedicated type here.
package nferrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrCacheMiss reports an absent or expired cache entry. It never
	// reaches the user; cache consumers treat it as "go fetch".
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotConnected reports that no internet connection is available.
	ErrNotConnected = errors.New("not connected")

	// ErrNotLoggedIn reports that there is no usable authenticated
	// session and the automatic re-login also failed.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrMetadataNotAvailable reports missing metadata; the helper layer
	// clears the cache and retries once before surfacing anything.
	ErrMetadataNotAvailable = errors.New("metadata not available")

	// ErrPathNotFound reports a missing path in a JSON-Graph document.
	ErrPathNotFound = errors.New("path not found")

	// ErrMissingCredentials reports that no stored credentials exist.
	ErrMissingCredentials = errors.New("no stored credentials")

	// ErrPlaybackInProgress rejects profile activation while a playback
	// session is running (it would corrupt user-ID-token selection).
	ErrPlaybackInProgress = errors.New("playback in progress")
)

// Account-state errors returned by the login flow. They are hard
// failures: the account cannot stream in its current state.
var (
	ErrMbrStatusAnonymous    = errors.New("membership status: anonymous")
	ErrMbrStatusNeverMember  = errors.New("membership status: never member")
	ErrMbrStatusFormerMember = errors.New("membership status: former member")
)

// LoginError reports a failed login attempt with the server-provided,
// user-facing message.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: %s", e.Message)
}

// LoginValidateError reports rejected credentials. The message comes
// from the error-code table embedded in the login page react context.
type LoginValidateError struct {
	Code    string
	Message string
}

func (e *LoginValidateError) Error() string {
	return fmt.Sprintf("login validation failed (%s): %s", e.Code, e.Message)
}

// HTTPError reports a non-2xx status from a Netflix endpoint.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.Status, e.URL)
}

// MSLError reports an error carried inside an MSL response. It blocks
// playback and is never recovered automatically.
type MSLError struct {
	Message string
	// ErrorCode is the MSL internal code when present, 0 otherwise.
	ErrorCode int
}

func (e *MSLError) Error() string {
	if e.ErrorCode != 0 {
		return fmt.Sprintf("msl error %d: %s", e.ErrorCode, e.Message)
	}
	return "msl error: " + e.Message
}

// IsHandshakeRequired reports whether the MSL internal code demands a
// new key handshake before the request can be retried.
func (e *MSLError) IsHandshakeRequired() bool {
	switch e.ErrorCode {
	case MSLCodeEntityReauth, MSLCodeEntityDataReauth, MSLCodeMasterTokenExpired:
		return true
	}
	return false
}

// MSL internal codes the handler reacts to.
const (
	MSLCodeEntityReauth       = 207006
	MSLCodeEntityDataReauth   = 205042
	MSLCodeMasterTokenExpired = 201404
	MSLCodeUserReauth         = 207005
)
