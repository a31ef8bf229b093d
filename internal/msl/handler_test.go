package msl

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/config"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/esn"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// mslServer is a scripted MSL origin: it answers key handshakes with
// freshly wrapped session keys and authenticated requests with signed,
// encrypted chunks, recording the auth scheme of every request.
type mslServer struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	encKey      []byte
	signKey     []byte
	serial      int64
	handshakes  int
	authSchemes []string
	authPaths   []string
	failCode    int
}

func newMSLServer(t *testing.T) *mslServer {
	s := &mslServer{t: t, serial: 1000}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// failOnce makes the next authenticated request fail with the given
// MSL internal code.
func (s *mslServer) failOnce(code int) {
	s.mu.Lock()
	s.failCode = code
	s.mu.Unlock()
}

func (s *mslServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *mslServer) schemes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authSchemes...)
}

func (s *mslServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authPaths...)
}

func (s *mslServer) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(s.t, err)
	dec := json.NewDecoder(bytes.NewReader(body))
	var header map[string]json.RawMessage
	require.NoError(s.t, dec.Decode(&header))

	if _, ok := header["entityauthdata"]; ok {
		s.handleHandshake(w, header)
		return
	}
	s.handleAuthenticated(w, r.URL.EscapedPath(), header)
}

func (s *mslServer) handleHandshake(w http.ResponseWriter, header map[string]json.RawMessage) {
	var headerB64 string
	require.NoError(s.t, json.Unmarshal(header["headerdata"], &headerB64))
	plain, err := base64.StdEncoding.DecodeString(headerB64)
	require.NoError(s.t, err)

	var hd struct {
		KeyRequestData []struct {
			KeyData struct {
				PublicKey string `json:"publickey"`
			} `json:"keydata"`
		} `json:"keyrequestdata"`
	}
	require.NoError(s.t, json.Unmarshal(plain, &hd))
	require.NotEmpty(s.t, hd.KeyRequestData)
	der, err := base64.StdEncoding.DecodeString(hd.KeyRequestData[0].KeyData.PublicKey)
	require.NoError(s.t, err)
	pubAny, err := x509.ParsePKIXPublicKey(der)
	require.NoError(s.t, err)
	pub := pubAny.(*rsa.PublicKey)

	s.mu.Lock()
	s.handshakes++
	s.serial++
	s.encKey = randomBytes(s.t, 16)
	s.signKey = randomBytes(s.t, 32)
	serial, encKey, signKey := s.serial, s.encKey, s.signKey
	s.mu.Unlock()

	respHeader := map[string]any{
		"keyresponsedata": map[string]any{
			"mastertoken": json.RawMessage(wireMasterToken(s.t, serial, time.Now().Add(time.Hour))),
			"keydata": map[string]any{
				"encryptionkey": s.wrapJWK(pub, encKey),
				"hmackey":       s.wrapJWK(pub, signKey),
			},
		},
	}
	plainResp, err := json.Marshal(respHeader)
	require.NoError(s.t, err)
	require.NoError(s.t, json.NewEncoder(w).Encode(map[string]any{
		"headerdata": base64.StdEncoding.EncodeToString(plainResp),
		"signature":  "",
	}))
}

func (s *mslServer) handleAuthenticated(w http.ResponseWriter, path string, header map[string]json.RawMessage) {
	s.mu.Lock()
	failCode := s.failCode
	s.failCode = 0
	encKey, signKey, serial := s.encKey, s.signKey, s.serial
	s.mu.Unlock()
	require.NotNil(s.t, encKey, "authenticated request before any handshake")

	var headerB64 string
	require.NoError(s.t, json.Unmarshal(header["headerdata"], &headerB64))
	envelope, err := base64.StdEncoding.DecodeString(headerB64)
	require.NoError(s.t, err)
	plain := s.decrypt(envelope, encKey)

	var hd map[string]any
	require.NoError(s.t, json.Unmarshal(plain, &hd))
	scheme := "USERIDTOKEN"
	if _, ok := hd["useridtoken"]; !ok {
		ua, ok := hd["userauthdata"].(map[string]any)
		require.True(s.t, ok, "request carries neither useridtoken nor userauthdata")
		scheme = ua["scheme"].(string)
	}
	s.mu.Lock()
	s.authSchemes = append(s.authSchemes, scheme)
	s.authPaths = append(s.authPaths, path)
	s.mu.Unlock()

	if failCode != 0 {
		errData, err := json.Marshal(map[string]any{"errormsg": "reauth required", "internalcode": failCode})
		require.NoError(s.t, err)
		require.NoError(s.t, json.NewEncoder(w).Encode(map[string]any{
			"errordata": base64.StdEncoding.EncodeToString(errData),
		}))
		return
	}

	uit, err := json.Marshal(map[string]any{"tokendata": fmt.Sprintf("uit-serial-%d", serial)})
	require.NoError(s.t, err)
	respHeaderPlain, err := json.Marshal(map[string]any{"useridtoken": json.RawMessage(uit)})
	require.NoError(s.t, err)
	respEnvelope := s.encrypt(respHeaderPlain, encKey)

	result, err := json.Marshal(map[string]any{"result": map[string]any{"status": "ok"}})
	require.NoError(s.t, err)
	chunkPlain, err := json.Marshal(chunkBody{
		MessageID:      1,
		SequenceNumber: 1,
		EndOfMsg:       true,
		Data:           base64.StdEncoding.EncodeToString(result),
	})
	require.NoError(s.t, err)
	chunkEnv := s.encrypt(chunkPlain, encKey)

	enc := json.NewEncoder(w)
	require.NoError(s.t, enc.Encode(map[string]any{
		"headerdata": base64.StdEncoding.EncodeToString(respEnvelope),
		"signature":  base64.StdEncoding.EncodeToString(s.sign(respEnvelope, signKey)),
	}))
	require.NoError(s.t, enc.Encode(payloadChunk{
		Payload:   base64.StdEncoding.EncodeToString(chunkEnv),
		Signature: base64.StdEncoding.EncodeToString(s.sign(chunkEnv, signKey)),
	}))
}

func (s *mslServer) wrapJWK(pub *rsa.PublicKey, key []byte) string {
	jwk, err := json.Marshal(map[string]string{
		"kty": "oct",
		"k":   base64.RawURLEncoding.EncodeToString(key),
	})
	require.NoError(s.t, err)
	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, jwk, nil)
	require.NoError(s.t, err)
	return base64.StdEncoding.EncodeToString(wrapped)
}

func (s *mslServer) encrypt(plain, key []byte) []byte {
	block, err := aes.NewCipher(key)
	require.NoError(s.t, err)
	iv := randomBytes(s.t, aes.BlockSize)
	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	env, err := json.Marshal(encryptionEnvelope{
		Version:    1,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		SHA256:     "AA==",
		KeyID:      "server_key",
		IV:         base64.StdEncoding.EncodeToString(iv),
	})
	require.NoError(s.t, err)
	return env
}

func (s *mslServer) decrypt(envelope, key []byte) []byte {
	var env encryptionEnvelope
	require.NoError(s.t, json.Unmarshal(envelope, &env))
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(s.t, err)
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	require.NoError(s.t, err)
	block, err := aes.NewCipher(key)
	require.NoError(s.t, err)
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	require.NoError(s.t, err)
	return unpadded
}

func (s *mslServer) sign(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

type staticProfiles struct{ active, owner string }

func (p staticProfiles) ActiveProfileGUID() string { return p.active }
func (p staticProfiles) OwnerProfileGUID() string  { return p.owner }

// switchableProfiles lets a test change the active profile mid-flight,
// the way a real profile switch does.
type switchableProfiles struct {
	mu     sync.Mutex
	active string
	owner  string
}

func (p *switchableProfiles) ActiveProfileGUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *switchableProfiles) OwnerProfileGUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

func (p *switchableProfiles) switchTo(guid string) {
	p.mu.Lock()
	p.active = guid
	p.mu.Unlock()
}

func newTestHandler(t *testing.T, srv *mslServer, profiles ProfileSource, cm *cache.Manager) *Handler {
	t.Helper()
	dir := t.TempDir()
	crypto, err := NewCrypto(NewStore(dir), zap.NewNop())
	require.NoError(t, err)
	creds, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, creds.Save(credentials.Credentials{Email: "user@example.com", Password: "hunter2"}))
	if cm == nil {
		cm = cache.NewManager(nil, cache.DefaultTTLConfig, zap.NewNop())
	}
	opts := &config.Options{RequestTimeout: 5 * time.Second, RequestRetries: 1}
	h := NewHandler(crypto, esn.NewProvider(cm, ""), cm, creds, profiles, config.NewSettings(), opts, zap.NewNop())
	h.SetBaseURL(srv.srv.URL)
	t.Cleanup(h.Close)
	return h
}

func TestHandlerHandshakeThenAuthenticatedRequest(t *testing.T) {
	srv := newMSLServer(t)
	h := newTestHandler(t, srv, staticProfiles{active: "own", owner: "own"}, nil)

	resp, err := h.request(context.Background(), endpointManifest, map[string]any{"ping": 1}, false)
	require.NoError(t, err)
	result := resp["result"].(map[string]any)
	require.Equal(t, "ok", result["status"])

	require.Equal(t, 1, srv.handshakeCount())
	require.Equal(t, []string{"EMAIL_PASSWORD"}, srv.schemes())

	// The issued user-id token authenticates the next request; no new
	// handshake, no credentials on the wire.
	_, err = h.request(context.Background(), endpointManifest, map[string]any{"ping": 2}, false)
	require.NoError(t, err)
	require.Equal(t, 1, srv.handshakeCount())
	require.Equal(t, []string{"EMAIL_PASSWORD", "USERIDTOKEN"}, srv.schemes())
}

func TestHandlerRetriesOnceAfterReauthDemand(t *testing.T) {
	srv := newMSLServer(t)
	h := newTestHandler(t, srv, staticProfiles{active: "own", owner: "own"}, nil)

	_, err := h.request(context.Background(), endpointManifest, map[string]any{"ping": 1}, false)
	require.NoError(t, err)
	require.Equal(t, 1, srv.handshakeCount())

	srv.failOnce(nferrors.MSLCodeMasterTokenExpired)
	_, err = h.request(context.Background(), endpointManifest, map[string]any{"ping": 2}, false)
	require.NoError(t, err)
	require.Equal(t, 2, srv.handshakeCount(), "reauth demand must trigger a fresh handshake")
}

func TestHandlerPrimesOwnerTokenForProfileSwitch(t *testing.T) {
	srv := newMSLServer(t)
	h := newTestHandler(t, srv, staticProfiles{active: "kid", owner: "own"}, nil)

	_, err := h.request(context.Background(), endpointManifest, map[string]any{"ping": 1}, false)
	require.NoError(t, err)

	// The owner token does not exist yet, so a credentials-backed
	// logblob primes it before the switched request goes out.
	require.Equal(t, []string{"EMAIL_PASSWORD", "SWITCH_PROFILE"}, srv.schemes())

	_, ok := h.crypto.UserIDToken("own")
	require.True(t, ok, "priming must store the owner token")
	_, ok = h.crypto.UserIDToken("kid")
	require.True(t, ok, "the switched request must store the active profile token")

	// With both tokens in place the next request rides the kid token.
	_, err = h.request(context.Background(), endpointManifest, map[string]any{"ping": 2}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"EMAIL_PASSWORD", "SWITCH_PROFILE", "USERIDTOKEN"}, srv.schemes())
}

func TestHandlerLogblobPrecedesSwitchWithOwnerToken(t *testing.T) {
	srv := newMSLServer(t)
	profiles := &switchableProfiles{active: "own", owner: "own"}
	h := newTestHandler(t, srv, profiles, nil)

	_, err := h.request(context.Background(), endpointManifest, map[string]any{"ping": 1}, false)
	require.NoError(t, err)
	_, ok := h.crypto.UserIDToken("own")
	require.True(t, ok, "first request must store the owner token")

	// Switching to a profile without its own token sends a logblob
	// first even though the owner token is already held; the logblob
	// then rides that token instead of credentials.
	profiles.switchTo("kid")
	_, err = h.request(context.Background(), endpointManifest, map[string]any{"ping": 2}, false)
	require.NoError(t, err)

	require.Equal(t, []string{"EMAIL_PASSWORD", "USERIDTOKEN", "SWITCH_PROFILE"}, srv.schemes())
	require.Equal(t, []string{endpointManifest, endpointLogblob, endpointManifest}, srv.paths())

	_, ok = h.crypto.UserIDToken("kid")
	require.True(t, ok, "the switched request must store the active profile token")
}

func TestHandlerESNChangeForcesRebind(t *testing.T) {
	srv := newMSLServer(t)
	cm := cache.NewManager(nil, cache.DefaultTTLConfig, zap.NewNop())
	forever := time.Now().Add(24 * time.Hour)
	cm.AddGlobal(cache.BucketInstallation, "esn", []byte("NFCDCH-02-ESNAAAAAAAAAAAAAAAAAAAAAAAAA"),
		&cache.AddOptions{ExpiresAt: forever})
	h := newTestHandler(t, srv, staticProfiles{active: "own", owner: "own"}, cm)

	_, err := h.request(context.Background(), endpointManifest, map[string]any{"ping": 1}, false)
	require.NoError(t, err)
	require.Equal(t, 1, srv.handshakeCount())

	// A new ESN invalidates the master token binding: next request must
	// renegotiate and bind to the new identity.
	cm.AddGlobal(cache.BucketInstallation, "esn", []byte("NFCDCH-02-ESNBBBBBBBBBBBBBBBBBBBBBBBBB"),
		&cache.AddOptions{ExpiresAt: forever})
	_, err = h.request(context.Background(), endpointManifest, map[string]any{"ping": 2}, false)
	require.NoError(t, err)
	require.Equal(t, 2, srv.handshakeCount())
	require.Equal(t, "NFCDCH-02-ESNBBBBBBBBBBBBBBBBBBBBBBBBB", h.crypto.MasterToken().BoundESN)
}
