package nfsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/jsongraph"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// loginErrorFallbacks maps known login error codes to messages, used
// when the react context does not carry its own message table.
var loginErrorFallbacks = map[string]string{
	"email_password_incorrect": "Incorrect password.",
	"user_not_found":           "Sorry, we can't find an account with this email address.",
	"login_attempt_failed":     "Incorrect password.",
	"account_restricted":       "Your account is temporarily restricted.",
	"too_many_failed_attempts": "Too many failed attempts, try again later.",
	"email_malformed":          "Please enter a valid email.",
	"insecure_password":        "The password does not meet the requirements.",
	"incorrect_password":       "Incorrect password.",
	"internal_server_error":    "The login service is currently unavailable.",
	"validation_unknown_error": "Login failed for an unknown reason.",
}

// Login authenticates with email/password credentials, persisting
// cookies, credentials and the profile set on success.
func (s *Session) Login(ctx context.Context, c credentials.Credentials) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.login(ctx, c)
}

func (s *Session) login(ctx context.Context, c credentials.Credentials) error {
	page, err := s.call(ctx, "login", nil, nil)
	if err != nil {
		return err
	}
	rc, err := extractReactContext(page)
	if err != nil {
		return fmt.Errorf("login page: %w", err)
	}
	authURL := contextString(rc, "", "models", "userInfo", "data", "authURL")
	if authURL == "" {
		return &nferrors.LoginError{Message: "login page provided no auth token"}
	}
	s.stateMu.Lock()
	s.authURL = authURL
	s.stateMu.Unlock()

	form := url.Values{
		"userLoginId":    {c.Email},
		"password":       {c.Password},
		"rememberMe":     {"true"},
		"flow":           {"websiteSignUp"},
		"mode":           {"login"},
		"action":         {"loginAction"},
		"withFields":     {"rememberMe,nextPage,userLoginId,password,countryCode,countryIsoCode"},
		"nextPage":       {""},
		"showPassword":   {""},
		"countryCode":    {contextString(rc, "+1", "models", "loginContext", "data", "geo", "requestCountry", "code")},
		"countryIsoCode": {contextString(rc, "US", "models", "loginContext", "data", "geo", "requestCountry", "id")},
	}
	resp, err := s.call(ctx, "login", nil, form)
	if err != nil {
		return err
	}
	rcResp, err := extractReactContext(resp)
	if err != nil {
		return fmt.Errorf("login response: %w", err)
	}
	if err := loginStatus(rcResp); err != nil {
		return err
	}

	s.onAuthenticated(rcResp, resp)
	if err := s.creds.Save(c); err != nil {
		s.log.Warn("nfsession: could not persist credentials", zap.Error(err))
	}
	s.log.Info("nfsession: login successful",
		zap.Int("profiles", len(s.Profiles())))
	return nil
}

// loginStatus inspects a react context for a login failure or an
// account state that forbids streaming.
func loginStatus(rc map[string]any) error {
	if code, ok := jsongraph.GetPathSafe(rc, "",
		"models", "flow", "data", "fields", "errorCode").(string); ok && code != "" {
		return &nferrors.LoginValidateError{Code: code, Message: loginErrorMessage(rc, code)}
	}
	switch contextString(rc, "", "models", "userInfo", "data", "membershipStatus") {
	case "CURRENT_MEMBER":
		return nil
	case "ANONYMOUS":
		return nferrors.ErrMbrStatusAnonymous
	case "NEVER_MEMBER":
		return nferrors.ErrMbrStatusNeverMember
	case "FORMER_MEMBER":
		return nferrors.ErrMbrStatusFormerMember
	default:
		return &nferrors.LoginError{Message: "unknown membership status"}
	}
}

// loginErrorMessage resolves a login error code to a user-facing
// message, preferring the table embedded in the react context.
func loginErrorMessage(rc map[string]any, code string) string {
	if table, ok := jsongraph.GetPathSafe(rc, nil,
		"models", "i18nStrings", "data", "login/login").(map[string]any); ok {
		if msg, ok := table[code].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := loginErrorFallbacks[code]; ok {
		return msg
	}
	return code
}

// onAuthenticated updates session identity from a logged-in page:
// fresh authURL, API base and the profile set from the falcorCache.
func (s *Session) onAuthenticated(rc map[string]any, page []byte) {
	s.stateMu.Lock()
	if a := contextString(rc, "", "models", "userInfo", "data", "authURL"); a != "" {
		s.authURL = a
	}
	if api := contextString(rc, "", "models", "serverDefs", "data", "API_ROOT"); api != "" {
		s.apiBase = strings.TrimRight(api, "/")
	}
	s.stateMu.Unlock()

	if fc, err := extractFalcorCache(page); err == nil {
		if profiles := parseProfiles(fc); len(profiles) > 0 {
			s.setProfiles(profiles)
		}
	}
}

// RefreshSession re-fetches /browse and re-extracts the session
// tokens. Called transparently after a 401/404 path request. A session
// that turned anonymous is torn down: credentials purged, MSL user
// tokens cleared, ErrNotLoggedIn raised.
func (s *Session) RefreshSession(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	page, err := s.call(ctx, "browse", nil, nil)
	if err != nil {
		return err
	}
	rc, err := extractReactContext(page)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if err := loginStatus(rc); err != nil {
		if errors.Is(err, nferrors.ErrMbrStatusAnonymous) {
			s.log.Warn("nfsession: session turned anonymous, tearing down")
			s.forceLogout()
			return fmt.Errorf("%w: session turned anonymous", nferrors.ErrNotLoggedIn)
		}
		return err
	}
	s.onAuthenticated(rc, page)
	return nil
}

// Logout signs out remotely and tears the local session down.
func (s *Session) Logout(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if _, err := s.call(ctx, "logout", nil, nil); err != nil {
		s.log.Warn("nfsession: remote sign-out failed", zap.Error(err))
	}
	s.forceLogout()
	return nil
}

func (s *Session) forceLogout() {
	if err := s.creds.Purge(); err != nil {
		s.log.Warn("nfsession: could not purge credentials", zap.Error(err))
	}
	if s.crypto != nil {
		if err := s.crypto.ClearUserIDTokens(); err != nil {
			s.log.Warn("nfsession: could not clear user-id tokens", zap.Error(err))
		}
	}
	s.jar.Clear()

	s.stateMu.Lock()
	s.authURL = ""
	s.apiBase = ""
	s.profiles = nil
	s.activeGUID = ""
	s.ownerGUID = ""
	s.stateMu.Unlock()

	s.cache.SetActiveProfile("")
	s.cache.Clear(nil, false)
}
