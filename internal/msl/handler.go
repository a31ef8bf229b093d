package msl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/config"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/esn"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// defaultBaseURL roots every MSL endpoint.
const defaultBaseURL = "https://www.netflix.com/nq/msl_v1/cadmium"

// Relative MSL endpoints.
const (
	endpointManifest = "/pbo_manifests/%5E1.0.0/router"
	endpointLicense  = "/pbo_licenses/%5E1.0.0/router"
	endpointEvents   = "/playapi/cadmium/event/1"
	endpointLogblob  = "/playapi/cadmium/logblob/1"
)

// ProfileSource reports the active and owner profile GUIDs. The NF
// session implements it.
type ProfileSource interface {
	ActiveProfileGUID() string
	OwnerProfileGUID() string
}

// Handler drives the chunked MSL transport and the endpoints built on
// it. One long-lived instance serves every IPC worker.
type Handler struct {
	log      *zap.Logger
	crypto   *Crypto
	esn      *esn.Provider
	cache    *cache.Manager
	creds    *credentials.Store
	profiles ProfileSource
	settings *config.Settings

	client  *http.Client
	baseURL string
	retries int

	// handshakeMu serializes key handshakes; concurrent requests that
	// all see a dead master token must not race to replace it.
	handshakeMu sync.Mutex

	events *EventQueue

	// manifests keeps decoded manifests so event media tags can be
	// rebuilt without refetching; sessionIDs maps video id to the DRM
	// session id echoed into license requests.
	manifests  manifestStore
	sessionIDs sync.Map

	now func() time.Time
}

// NewHandler wires a Handler. player may be nil when no DRM player is
// attached (events then report a zero state).
func NewHandler(
	crypto *Crypto,
	esnProvider *esn.Provider,
	cacheManager *cache.Manager,
	creds *credentials.Store,
	profiles ProfileSource,
	settings *config.Settings,
	opts *config.Options,
	log *zap.Logger,
) *Handler {
	h := &Handler{
		log:      log,
		crypto:   crypto,
		esn:      esnProvider,
		cache:    cacheManager,
		creds:    creds,
		profiles: profiles,
		settings: settings,
		client:   &http.Client{Timeout: opts.RequestTimeout},
		baseURL:  defaultBaseURL,
		retries:  opts.RequestRetries,
		now:      time.Now,
	}
	h.events = newEventQueue(h, log)
	return h
}

// SetBaseURL points the handler at a different MSL origin (tests).
func (h *Handler) SetBaseURL(u string) { h.baseURL = u }

// Close drains the event queue.
func (h *Handler) Close() { h.events.Close() }

// PlaybackActive reports whether any playback session is open. The
// session layer refuses profile switches while this holds.
func (h *Handler) PlaybackActive() bool { return h.events.Active() }

// request runs the full per-request state machine: ensure a usable
// master token, build and encrypt the envelope, post it, parse, and on
// a handshake-required error perform one key handshake and retry once.
func (h *Handler) request(ctx context.Context, endpoint string, payload any, forceCredentials bool) (map[string]any, error) {
	currentESN := h.esn.Get()
	if !h.crypto.HasValidMasterToken(currentESN) {
		if err := h.performKeyHandshake(ctx, currentESN); err != nil {
			return nil, err
		}
	}

	resp, err := h.send(ctx, endpoint, payload, currentESN, forceCredentials)
	var mslErr *nferrors.MSLError
	if errors.As(err, &mslErr) && mslErr.IsHandshakeRequired() {
		h.log.Warn("msl: server demands re-handshake, retrying once",
			zap.Int("code", mslErr.ErrorCode))
		h.crypto.InvalidateMasterToken()
		if err := h.performKeyHandshake(ctx, currentESN); err != nil {
			return nil, err
		}
		resp, err = h.send(ctx, endpoint, payload, currentESN, forceCredentials)
	}
	return resp, err
}

// send builds, posts and parses one MSL request, priming the switch
// path first when the active profile holds no user-ID token.
func (h *Handler) send(ctx context.Context, endpoint string, payload any, currentESN string, forceCredentials bool) (map[string]any, error) {
	auth, targetGUID, needPrime, err := h.selectAuthData(forceCredentials, false)
	if err != nil {
		return nil, err
	}
	if needPrime {
		if err := h.primeSwitch(ctx, currentESN); err != nil {
			return nil, err
		}
		auth, targetGUID, _, err = h.selectAuthData(forceCredentials, true)
		if err != nil {
			return nil, err
		}
	}
	return h.postWithAuth(ctx, endpoint, payload, currentESN, auth, targetGUID)
}

// postWithAuth runs one wire exchange under already-chosen auth data.
func (h *Handler) postWithAuth(ctx context.Context, endpoint string, payload any, currentESN string, auth map[string]any, targetGUID string) (map[string]any, error) {
	wire, err := h.buildWire(currentESN, auth, payload)
	if err != nil {
		return nil, err
	}
	body, err := h.doPost(ctx, h.baseURL+endpoint, wire)
	if err != nil {
		return nil, err
	}
	return h.parseResponse(body, targetGUID)
}

// selectAuthData picks the auth mode per request. The rules: never pair
// a user-ID token with a profile it was not issued for, and never
// switch to a token-less profile without a priming logblob first.
func (h *Handler) selectAuthData(forceCredentials, primed bool) (map[string]any, string, bool, error) {
	active := h.profiles.ActiveProfileGUID()
	owner := h.profiles.OwnerProfileGUID()

	if !forceCredentials {
		if token, ok := h.crypto.UserIDToken(active); ok {
			return map[string]any{"useridtoken": json.RawMessage(token.Raw)}, active, false, nil
		}
		if active != owner && active != "" {
			if !primed {
				return nil, active, true, nil
			}
			if ownerToken, ok := h.crypto.UserIDToken(owner); ok {
				return map[string]any{
					"userauthdata": map[string]any{
						"scheme": "SWITCH_PROFILE",
						"authdata": map[string]any{
							"useridtoken": json.RawMessage(ownerToken.Raw),
							"profileguid": active,
						},
					},
				}, active, false, nil
			}
		}
	}

	// Credentials auth always yields the owner profile's token,
	// whatever profile is active.
	creds, err := h.creds.Load()
	if err != nil {
		return nil, "", false, err
	}
	target := owner
	if target == "" {
		target = active
	}
	return map[string]any{
		"userauthdata": map[string]any{
			"scheme": "EMAIL_PASSWORD",
			"authdata": map[string]any{
				"email":    creds.Email,
				"password": creds.Password,
			},
		},
	}, target, false, nil
}

// primeSwitch posts a logblob before a profile switch. It runs under
// the owner's user-ID token when one is held, falling back to
// credentials auth; either way the server (re-)issues the owner token
// that SWITCH_PROFILE then builds on.
func (h *Handler) primeSwitch(ctx context.Context, currentESN string) error {
	owner := h.profiles.OwnerProfileGUID()

	var auth map[string]any
	if token, ok := h.crypto.UserIDToken(owner); ok {
		h.log.Debug("msl: priming profile switch via logblob under owner token")
		auth = map[string]any{"useridtoken": json.RawMessage(token.Raw)}
	} else {
		h.log.Debug("msl: priming owner user-id token via logblob")
		creds, err := h.creds.Load()
		if err != nil {
			return fmt.Errorf("prime profile switch: %w", err)
		}
		auth = map[string]any{
			"userauthdata": map[string]any{
				"scheme": "EMAIL_PASSWORD",
				"authdata": map[string]any{
					"email":    creds.Email,
					"password": creds.Password,
				},
			},
		}
	}

	payload := map[string]any{
		"client": map[string]any{"type": "client_start", "ts": h.now().UnixMilli()},
	}
	if _, err := h.postWithAuth(ctx, endpointLogblob, payload, currentESN, auth, owner); err != nil {
		return fmt.Errorf("prime profile switch: %w", err)
	}
	return nil
}

// buildWire concatenates the encrypted header and payload chunk.
func (h *Handler) buildWire(currentESN string, auth map[string]any, payload any) ([]byte, error) {
	messageID := rand.Int63()
	token := h.crypto.MasterToken()
	if token == nil {
		return nil, ErrNoMasterToken
	}

	headerData := map[string]any{
		"sender":        currentESN,
		"recipient":     "Netflix",
		"handshake":     false,
		"nonreplayable": false,
		"renewable":     token.Renewable(h.now()),
		"messageid":     messageID,
		"timestamp":     h.now().Unix(),
		"capabilities": map[string]any{
			"languages":        []string{"en-US"},
			"compressionalgos": []string{"GZIP"},
			"encoderformats":   []string{"JSON"},
		},
	}
	for k, v := range auth {
		headerData[k] = v
	}

	headerPlain, err := json.Marshal(headerData)
	if err != nil {
		return nil, fmt.Errorf("msl: encode headerdata: %w", err)
	}
	envelope, err := h.crypto.EncryptEnvelope(headerPlain, currentESN)
	if err != nil {
		return nil, err
	}
	mac, err := h.crypto.Sign(envelope)
	if err != nil {
		return nil, err
	}
	header := map[string]any{
		"headerdata":  base64.StdEncoding.EncodeToString(envelope),
		"signature":   base64.StdEncoding.EncodeToString(mac),
		"mastertoken": json.RawMessage(token.Raw),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("msl: encode payload: %w", err)
	}
	chunk, err := h.buildChunk(messageID, payloadJSON, currentESN)
	if err != nil {
		return nil, err
	}

	var wire bytes.Buffer
	if err := json.NewEncoder(&wire).Encode(header); err != nil {
		return nil, fmt.Errorf("msl: encode header: %w", err)
	}
	if err := json.NewEncoder(&wire).Encode(chunk); err != nil {
		return nil, fmt.Errorf("msl: encode chunk: %w", err)
	}
	return wire.Bytes(), nil
}

// performKeyHandshake obtains a fresh master token for esn. Triggered
// when no token exists, the token expired, or it is bound to another
// ESN.
func (h *Handler) performKeyHandshake(ctx context.Context, currentESN string) error {
	h.handshakeMu.Lock()
	defer h.handshakeMu.Unlock()
	if h.crypto.HasValidMasterToken(currentESN) {
		return nil
	}
	h.log.Info("msl: performing key handshake", zap.String("esn", currentESN))

	keyRequest, err := h.crypto.KeyRequestData()
	if err != nil {
		return err
	}
	messageID := rand.Int63()
	headerData := map[string]any{
		"sender":        currentESN,
		"recipient":     "Netflix",
		"handshake":     true,
		"nonreplayable": false,
		"renewable":     true,
		"messageid":     messageID,
		"timestamp":     h.now().Unix(),
		"capabilities": map[string]any{
			"languages":        []string{"en-US"},
			"compressionalgos": []string{"GZIP"},
			"encoderformats":   []string{"JSON"},
		},
		"keyrequestdata": []any{keyRequest},
	}
	headerPlain, err := json.Marshal(headerData)
	if err != nil {
		return fmt.Errorf("msl: encode handshake headerdata: %w", err)
	}
	header := map[string]any{
		"entityauthdata": map[string]any{
			"scheme":   "NONE",
			"authdata": map[string]any{"identity": currentESN},
		},
		"headerdata": base64.StdEncoding.EncodeToString(headerPlain),
		"signature":  "",
	}
	chunkPlain, err := json.Marshal(chunkBody{
		MessageID:      messageID,
		SequenceNumber: 1,
		EndOfMsg:       true,
		Data:           "",
	})
	if err != nil {
		return fmt.Errorf("msl: encode handshake chunk: %w", err)
	}
	chunk := payloadChunk{
		Payload:   base64.StdEncoding.EncodeToString(chunkPlain),
		Signature: "",
	}

	var wire bytes.Buffer
	if err := json.NewEncoder(&wire).Encode(header); err != nil {
		return fmt.Errorf("msl: encode handshake header: %w", err)
	}
	if err := json.NewEncoder(&wire).Encode(chunk); err != nil {
		return fmt.Errorf("msl: encode handshake chunk: %w", err)
	}

	body, err := h.doPost(ctx, h.baseURL+endpointManifest, wire.Bytes())
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	var respHeader map[string]json.RawMessage
	if err := dec.Decode(&respHeader); err != nil {
		return fmt.Errorf("msl: parse handshake response: %w", err)
	}
	if err := headerError(respHeader); err != nil {
		return err
	}
	var headerDataB64 string
	if err := json.Unmarshal(respHeader["headerdata"], &headerDataB64); err != nil {
		return fmt.Errorf("msl: handshake response headerdata: %w", err)
	}
	headerJSON, err := base64.StdEncoding.DecodeString(headerDataB64)
	if err != nil {
		return fmt.Errorf("msl: decode handshake headerdata: %w", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(headerJSON, &parsed); err != nil {
		return fmt.Errorf("msl: parse handshake headerdata: %w", err)
	}
	return h.crypto.ParseKeyResponse(parsed, currentESN, true)
}

// parseResponse splits the concatenated response objects, surfaces
// header errors, persists any issued user-ID token for targetGUID and
// reassembles the payload chunks.
func (h *Handler) parseResponse(body []byte, targetGUID string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	var header map[string]json.RawMessage
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("msl: parse response header: %w", err)
	}
	if err := headerError(header); err != nil {
		return nil, err
	}

	if raw, ok := header["headerdata"]; ok {
		var headerDataB64 string
		if err := json.Unmarshal(raw, &headerDataB64); err == nil {
			if plain, err := h.decryptHeaderData(headerDataB64); err == nil {
				h.persistIssuedToken(plain, targetGUID)
			}
		}
	}

	var chunks []payloadChunk
	for dec.More() {
		var chunk payloadChunk
		if err := dec.Decode(&chunk); err != nil {
			return nil, fmt.Errorf("msl: parse payload chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	data, err := h.reassembleChunks(chunks)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("msl: parse response body: %w", err)
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *Handler) decryptHeaderData(headerDataB64 string) (map[string]any, error) {
	envelope, err := base64.StdEncoding.DecodeString(headerDataB64)
	if err != nil {
		return nil, err
	}
	plain, err := h.crypto.DecryptEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(plain, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// persistIssuedToken stores a user-ID token the server attached to the
// response header.
func (h *Handler) persistIssuedToken(headerData map[string]any, targetGUID string) {
	if targetGUID == "" {
		return
	}
	tokenAny, ok := headerData["useridtoken"]
	if !ok {
		return
	}
	raw, err := json.Marshal(tokenAny)
	if err != nil {
		return
	}
	if err := h.crypto.StoreUserIDToken(targetGUID, raw); err != nil {
		h.log.Warn("msl: could not persist user-id token",
			zap.String("guid", targetGUID), zap.Error(err))
		return
	}
	h.log.Debug("msl: persisted user-id token", zap.String("guid", targetGUID))
}

// headerError decodes the header-level errordata field.
func headerError(header map[string]json.RawMessage) error {
	raw, ok := header["errordata"]
	if !ok {
		return nil
	}
	var errDataB64 string
	if err := json.Unmarshal(raw, &errDataB64); err != nil {
		return &nferrors.MSLError{Message: "unreadable errordata"}
	}
	data, err := base64.StdEncoding.DecodeString(errDataB64)
	if err != nil {
		return &nferrors.MSLError{Message: "undecodable errordata"}
	}
	var parsed struct {
		ErrorMsg     string `json:"errormsg"`
		InternalCode int    `json:"internalcode"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &nferrors.MSLError{Message: string(data)}
	}
	return &nferrors.MSLError{Message: parsed.ErrorMsg, ErrorCode: parsed.InternalCode}
}

// responseError checks the two body-level error shapes. Each location
// is reported as found, never masked by another.
func responseError(resp map[string]any) error {
	if errObj, ok := resp["error"].(map[string]any); ok {
		if msg, ok := errObj["errorDisplayMessage"].(string); ok && msg != "" {
			return &nferrors.MSLError{Message: msg}
		}
	}
	if result, ok := resp["result"].([]any); ok && len(result) > 0 {
		if first, ok := result[0].(map[string]any); ok {
			if errObj, ok := first["error"].(map[string]any); ok {
				if msg, ok := errObj["errorDisplayMessage"].(string); ok && msg != "" {
					return &nferrors.MSLError{Message: msg}
				}
			}
		}
	}
	return nil
}

// doPost posts wire bytes with connection-level retries.
func (h *Handler) doPost(ctx context.Context, url string, wire []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
		if err != nil {
			return nil, fmt.Errorf("msl: build request: %w", err)
		}
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Accept", "*/*")

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &nferrors.HTTPError{Status: resp.StatusCode, URL: url}
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: %v", nferrors.ErrNotConnected, lastErr)
}
