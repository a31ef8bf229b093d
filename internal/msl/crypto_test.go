package msl

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testESN = "NFCDCH-02-TESTTESTTESTTESTTESTTESTTEST"

// wireMasterToken builds a server-shaped master token whose tokendata
// decodes to the given lifecycle fields.
func wireMasterToken(t *testing.T, serial int64, expires time.Time) json.RawMessage {
	t.Helper()
	td, err := json.Marshal(map[string]any{
		"renewalwindow":  expires.Add(-time.Hour).Unix(),
		"expiration":     expires.Unix(),
		"sequencenumber": 1,
		"serialnumber":   serial,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"tokendata": base64.StdEncoding.EncodeToString(td),
		"signature": "c2lnbmF0dXJl",
	})
	require.NoError(t, err)
	return raw
}

func installTestKeys(t *testing.T, c *Crypto, esn string, serial int64) {
	t.Helper()
	raw := wireMasterToken(t, serial, time.Now().Add(24*time.Hour))
	token, err := ParseMasterToken(raw, esn)
	require.NoError(t, err)
	c.mu.Lock()
	c.masterToken = token
	c.encryptionKey = bytes.Repeat([]byte{0x11}, 16)
	c.signKey = bytes.Repeat([]byte{0x22}, 32)
	c.mu.Unlock()
}

func newTestCrypto(t *testing.T) *Crypto {
	t.Helper()
	c, err := NewCrypto(NewStore(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	installTestKeys(t, c, testESN, 100)
	return c
}

func TestCryptoEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCrypto(t)
	plain := []byte(`{"hello":"world","padding":"0123456789abcdef"}`)

	ciphertext, iv, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, ciphertext)

	got, err := c.Decrypt(iv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestCryptoEncryptFailsWithoutMasterToken(t *testing.T) {
	c, err := NewCrypto(NewStore(t.TempDir()), zap.NewNop())
	require.NoError(t, err)

	_, _, err = c.Encrypt([]byte("data"))
	require.ErrorIs(t, err, ErrNoMasterToken)

	_, err = c.Sign([]byte("data"))
	require.ErrorIs(t, err, ErrNoMasterToken)
}

func TestCryptoDecryptFailsOnExpiredMasterToken(t *testing.T) {
	c := newTestCrypto(t)

	ciphertext, iv, err := c.Encrypt([]byte("data sealed while the token lived"))
	require.NoError(t, err)

	// Expire the master token in place; the session keys are still
	// installed but must no longer decrypt.
	expired, err := ParseMasterToken(wireMasterToken(t, 100, time.Now().Add(-time.Minute)), testESN)
	require.NoError(t, err)
	c.mu.Lock()
	c.masterToken = expired
	c.mu.Unlock()

	_, err = c.Decrypt(iv, ciphertext)
	require.ErrorIs(t, err, ErrNoMasterToken)
}

func TestCryptoVerifyRejectsTamperedMAC(t *testing.T) {
	c := newTestCrypto(t)
	data := []byte("signed payload")

	mac, err := c.Sign(data)
	require.NoError(t, err)
	require.NoError(t, c.Verify(data, mac))

	mac[0] ^= 0xff
	require.ErrorIs(t, c.Verify(data, mac), ErrBadSignature)
}

func TestCryptoEnvelopeRoundTrip(t *testing.T) {
	c := newTestCrypto(t)
	plain := []byte(`{"messageid":42}`)

	envelope, err := c.EncryptEnvelope(plain, testESN)
	require.NoError(t, err)
	require.Contains(t, string(envelope), `"keyid"`)

	got, err := c.DecryptEnvelope(envelope)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestCryptoUserIDTokenDroppedOnSerialMismatch(t *testing.T) {
	c := newTestCrypto(t)
	require.NoError(t, c.StoreUserIDToken("guid-1", json.RawMessage(`{"tokendata":"x"}`)))

	_, ok := c.UserIDToken("guid-1")
	require.True(t, ok)

	// A new master token orphans every user-ID token.
	installTestKeys(t, c, testESN, 101)
	_, ok = c.UserIDToken("guid-1")
	require.False(t, ok)
}

func TestCryptoInvalidateMasterToken(t *testing.T) {
	c := newTestCrypto(t)
	require.True(t, c.HasValidMasterToken(testESN))

	c.InvalidateMasterToken()
	require.False(t, c.HasValidMasterToken(testESN))
	_, _, err := c.Encrypt([]byte("data"))
	require.ErrorIs(t, err, ErrNoMasterToken)
}

func TestMasterTokenValidity(t *testing.T) {
	now := time.Now()
	raw := wireMasterToken(t, 7, now.Add(time.Hour))
	token, err := ParseMasterToken(raw, testESN)
	require.NoError(t, err)

	require.True(t, token.Valid(testESN, now))
	require.False(t, token.Valid("NFCDCH-02-OTHER", now), "token must not validate under another esn")
	require.False(t, token.Valid(testESN, now.Add(2*time.Hour)), "expired token must not validate")
	require.False(t, token.Renewable(now.Add(-2*time.Hour)))
	require.True(t, token.Renewable(now.Add(30*time.Minute)))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	c, err := NewCrypto(store, zap.NewNop())
	require.NoError(t, err)
	installTestKeys(t, c, testESN, 55)
	require.NoError(t, c.StoreUserIDToken("guid-a", json.RawMessage(`{"tokendata":"a"}`)))

	restarted, err := NewCrypto(NewStore(dir), zap.NewNop())
	require.NoError(t, err)
	require.True(t, restarted.HasValidMasterToken(testESN))
	token, ok := restarted.UserIDToken("guid-a")
	require.True(t, ok)
	require.JSONEq(t, `{"tokendata":"a"}`, string(token.Raw))
}

func TestStateSerializationStable(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	c, err := NewCrypto(store, zap.NewNop())
	require.NoError(t, err)
	installTestKeys(t, c, testESN, 55)
	require.NoError(t, c.Persist())

	first, err := os.ReadFile(filepath.Join(dir, stateFile))
	require.NoError(t, err)

	state, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Save(state))

	second, err := os.ReadFile(filepath.Join(dir, stateFile))
	require.NoError(t, err)
	require.Equal(t, first, second, "load then save must reproduce the file")
}

func TestStoreMigratesOldState(t *testing.T) {
	dir := t.TempDir()
	old, err := json.Marshal(map[string]any{
		"version":        1,
		"user_id_tokens": map[string]any{"guid": map[string]any{"raw": map[string]any{}}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), old, 0o600))

	state, err := NewStore(dir).Load()
	require.NoError(t, err)
	require.Equal(t, stateVersion, state.Version)
	require.Empty(t, state.UserIDTokens, "version 1 tokens are discarded")
}

func TestStoreRejectsNewerState(t *testing.T) {
	dir := t.TempDir()
	newer, err := json.Marshal(map[string]any{"version": stateVersion + 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), newer, 0o600))

	_, err = NewStore(dir).Load()
	require.Error(t, err)
}

func TestPkcs7UnpadRejectsGarbage(t *testing.T) {
	_, err := pkcs7Unpad([]byte{1, 2, 3}, 16)
	require.ErrorIs(t, err, ErrBadPadding)

	block := bytes.Repeat([]byte{0x20}, 16)
	_, err = pkcs7Unpad(block, 16)
	require.ErrorIs(t, err, ErrBadPadding)
}
