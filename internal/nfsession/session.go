// Package nfsession maintains the authenticated HTTP session against
// the Netflix web front-end: login, cookie persistence, path requests
// against the Falcor pathEvaluator and profile activation.
package nfsession

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/config"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/msl"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// defaultBaseURL is the Netflix web front-end origin.
const defaultBaseURL = "https://www.netflix.com"

// PlaybackMonitor reports whether a playback session is open. The MSL
// handler implements it; profile activation is refused while it holds.
type PlaybackMonitor interface {
	PlaybackActive() bool
}

// Session is the long-lived authenticated HTTP session. One instance
// serves every IPC worker; operations that mutate session identity
// (login, refresh, profile activation) are serialized on opMu.
type Session struct {
	log    *zap.Logger
	opts   *config.Options
	client *http.Client
	jar    *persistentJar
	creds  *credentials.Store
	cache  *cache.Manager
	crypto *msl.Crypto

	playbackMu sync.Mutex
	playback   PlaybackMonitor

	// opMu serializes login, refresh and profile activation.
	opMu sync.Mutex

	stateMu    sync.RWMutex
	baseURL    string
	apiBase    string
	authURL    string
	profiles   []models.Profile
	activeGUID string
	ownerGUID  string
}

// New builds a Session over the persisted cookie jar in opts.DataDir.
func New(creds *credentials.Store, cacheManager *cache.Manager, crypto *msl.Crypto, opts *config.Options, log *zap.Logger) (*Session, error) {
	jar, err := loadJar(filepath.Join(opts.DataDir, cookiesFile))
	if err != nil {
		return nil, fmt.Errorf("open cookie jar: %w", err)
	}

	// Aggressive TCP keep-alive: the connection is reused across dozens
	// of path requests and NAT boxes drop idle sockets mid-session.
	dialer := &net.Dialer{
		Timeout: opts.RequestTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     45 * time.Second,
			Interval: 10 * time.Second,
			Count:    6,
		},
	}
	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Session{
		log:     log,
		opts:    opts,
		client:  &http.Client{Transport: transport, Jar: jar, Timeout: opts.RequestTimeout},
		jar:     jar,
		creds:   creds,
		cache:   cacheManager,
		crypto:  crypto,
		baseURL: defaultBaseURL,
	}, nil
}

// SetBaseURL points the session at a different origin (tests).
func (s *Session) SetBaseURL(u string) {
	s.stateMu.Lock()
	s.baseURL = strings.TrimRight(u, "/")
	s.stateMu.Unlock()
}

// SetPlaybackMonitor installs the playback guard consulted by profile
// activation. Wired after construction to break the session/handler
// dependency loop.
func (s *Session) SetPlaybackMonitor(m PlaybackMonitor) {
	s.playbackMu.Lock()
	s.playback = m
	s.playbackMu.Unlock()
}

func (s *Session) playbackActive() bool {
	s.playbackMu.Lock()
	m := s.playback
	s.playbackMu.Unlock()
	return m != nil && m.PlaybackActive()
}

// IsLoggedIn reports whether the persisted session looks usable: every
// required cookie present and an authURL extracted.
func (s *Session) IsLoggedIn() bool {
	s.stateMu.RLock()
	base, authURL := s.baseURL, s.authURL
	s.stateMu.RUnlock()
	if authURL == "" {
		return false
	}
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	return s.jar.HasRequired(u)
}

// userAgent returns a chrome desktop user agent for the host OS
// family. Not cosmetic: browser ESN derivation depends on it.
func userAgent() string {
	const chrome = "AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	switch runtime.GOOS {
	case "darwin":
		return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " + chrome
	case "windows":
		return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " + chrome
	default:
		return "Mozilla/5.0 (X11; Linux x86_64) " + chrome
	}
}

// call issues one request to a named endpoint. A nil form means GET.
// Connection-level errors are retried up to the configured count;
// non-200 statuses surface as nferrors.HTTPError.
func (s *Session) call(ctx context.Context, name string, query, form url.Values) ([]byte, error) {
	ep, ok := endpoints[name]
	if !ok {
		return nil, fmt.Errorf("nfsession: unknown endpoint %q", name)
	}

	s.stateMu.RLock()
	base, apiBase, authURL := s.baseURL, s.apiBase, s.authURL
	s.stateMu.RUnlock()

	target := base + ep.path
	if ep.useAPIBase && apiBase != "" {
		if strings.HasPrefix(apiBase, "http") {
			target = apiBase + ep.path
		} else {
			target = base + apiBase + ep.path
		}
	}

	q := url.Values{}
	if ep.defaultParams {
		for k, vs := range defaultPathParams {
			q[k] = vs
		}
	}
	for k, vs := range query {
		q[k] = vs
	}
	if ep.authURL == authURLQuery && authURL != "" {
		q.Set("authURL", authURL)
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var bodyStr string
	if form != nil {
		// Copy before injecting authURL so retries after a session
		// refresh pick up the fresh token.
		body := url.Values{}
		for k, vs := range form {
			body[k] = vs
		}
		if ep.authURL == authURLBody && authURL != "" {
			body.Set("authURL", authURL)
		}
		bodyStr = body.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.RequestRetries; attempt++ {
		method := http.MethodGet
		var reader io.Reader
		if form != nil {
			method = http.MethodPost
			reader = strings.NewReader(bodyStr)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("nfsession: build request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent())
		if ep.accept != "" {
			req.Header.Set("Accept", ep.accept)
		}
		if form != nil && ep.contentType != "" {
			req.Header.Set("Content-Type", ep.contentType)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &nferrors.HTTPError{Status: resp.StatusCode, URL: target}
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %v", nferrors.ErrNotConnected, lastErr)
}
