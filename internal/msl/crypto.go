package msl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Crypto errors. Every encrypt/decrypt fails fast on a missing or
// stale master token so no request leaves without usable keys.
var (
	ErrNoMasterToken = errors.New("msl: no usable master token")
	ErrBadSignature  = errors.New("msl: signature verification failed")
	ErrBadPadding    = errors.New("msl: invalid padding")
)

// Crypto holds the MSL cryptographic state: the handshake RSA key
// pair, the current master token with its unwrapped session keys, and
// the per-profile user-ID tokens. One instance serves the whole
// process; mutation is serialized through its lock.
type Crypto struct {
	log   *zap.Logger
	store *Store

	mu            sync.Mutex
	rsaKey        *rsa.PrivateKey
	masterToken   *MasterToken
	encryptionKey []byte
	signKey       []byte
	userTokens    map[string]UserIDToken

	now func() time.Time
}

// NewCrypto loads persisted MSL state from store. An absent or
// unparseable state file is equivalent to no state.
func NewCrypto(store *Store, log *zap.Logger) (*Crypto, error) {
	c := &Crypto{
		log:        log,
		store:      store,
		userTokens: make(map[string]UserIDToken),
		now:        time.Now,
	}
	state, err := store.Load()
	if err != nil {
		log.Info("msl: starting with empty crypto state", zap.Error(err))
		state = nil
	}
	if state != nil {
		if err := c.restore(state); err != nil {
			log.Warn("msl: discarding unusable crypto state", zap.Error(err))
		}
	}
	if c.rsaKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate handshake key pair: %w", err)
		}
		c.rsaKey = key
	}
	return c, nil
}

func (c *Crypto) restore(state *State) error {
	if state.RSAKeyPEM != "" {
		key, err := parseRSAKeyPEM(state.RSAKeyPEM)
		if err != nil {
			return fmt.Errorf("restore rsa key: %w", err)
		}
		c.rsaKey = key
	}
	if state.MasterToken != nil {
		encKey, err := base64.StdEncoding.DecodeString(state.EncryptionKey)
		if err != nil {
			return fmt.Errorf("restore encryption key: %w", err)
		}
		signKey, err := base64.StdEncoding.DecodeString(state.SignKey)
		if err != nil {
			return fmt.Errorf("restore sign key: %w", err)
		}
		c.masterToken = state.MasterToken
		c.encryptionKey = encKey
		c.signKey = signKey
	}
	for guid, token := range state.UserIDTokens {
		c.userTokens[guid] = token
	}
	return nil
}

// MasterToken returns the current master token (nil when absent).
func (c *Crypto) MasterToken() *MasterToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterToken
}

// HasValidMasterToken reports whether a request can be encrypted for
// esn right now.
func (c *Crypto) HasValidMasterToken(esn string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterToken.Valid(esn, c.now())
}

// KeyRequestData builds the ASYMMETRIC_WRAPPED key request carrying
// this installation's RSA public key.
func (c *Crypto) KeyRequestData() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pub, err := marshalRSAPublicKey(&c.rsaKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return map[string]any{
		"scheme": "ASYMMETRIC_WRAPPED",
		"keydata": map[string]any{
			"publickey": base64.StdEncoding.EncodeToString(pub),
			"mechanism": "JWK_RSA",
			"keypairid": "superKeyPair",
		},
	}, nil
}

// ParseKeyResponse installs the master token and session keys from a
// key-response header. Replacing the master token clears every
// user-ID token in the same critical section: they were bound to the
// previous token's serial number.
func (c *Crypto) ParseKeyResponse(headerData map[string]any, esn string, saveToDisk bool) error {
	keyResponse, ok := headerData["keyresponsedata"].(map[string]any)
	if !ok {
		return errors.New("msl: key response data missing")
	}
	rawToken, err := json.Marshal(keyResponse["mastertoken"])
	if err != nil || string(rawToken) == "null" {
		return errors.New("msl: master token missing in key response")
	}
	keyData, ok := keyResponse["keydata"].(map[string]any)
	if !ok {
		return errors.New("msl: keydata missing in key response")
	}

	encKey, err := c.unwrapKey(keyData, "encryptionkey")
	if err != nil {
		return err
	}
	signKey, err := c.unwrapKey(keyData, "hmackey")
	if err != nil {
		return err
	}

	token, err := ParseMasterToken(rawToken, esn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.masterToken = token
	c.encryptionKey = encKey
	c.signKey = signKey
	c.userTokens = make(map[string]UserIDToken)
	c.mu.Unlock()

	c.log.Info("msl: installed new master token",
		zap.Int64("serial", token.SerialNumber),
		zap.Time("expires", time.Unix(token.Expiration, 0)))

	if saveToDisk {
		return c.Persist()
	}
	return nil
}

// unwrapKey RSA-OAEP-decrypts one wrapped JWK and extracts its key
// material.
func (c *Crypto) unwrapKey(keyData map[string]any, field string) ([]byte, error) {
	wrappedB64, ok := keyData[field].(string)
	if !ok {
		return nil, fmt.Errorf("msl: %s missing in keydata", field)
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("msl: decode %s: %w", field, err)
	}
	c.mu.Lock()
	key := c.rsaKey
	c.mu.Unlock()
	jwkBytes, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("msl: unwrap %s: %w", field, err)
	}
	var jwk struct {
		K string `json:"k"`
	}
	if err := json.Unmarshal(jwkBytes, &jwk); err != nil {
		return nil, fmt.Errorf("msl: parse %s jwk: %w", field, err)
	}
	material, err := base64.RawURLEncoding.DecodeString(jwk.K)
	if err != nil {
		return nil, fmt.Errorf("msl: decode %s material: %w", field, err)
	}
	return material, nil
}

// Encrypt AES-128-CBC-encrypts plaintext with a fresh random IV.
func (c *Crypto) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	c.mu.Lock()
	key := c.encryptionKey
	valid := c.masterToken.Valid(c.masterToken.boundESNOrEmpty(), c.now())
	c.mu.Unlock()
	if key == nil || !valid {
		return nil, nil, ErrNoMasterToken
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("msl: create cipher: %w", err)
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("msl: generate iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// Decrypt inverts Encrypt. Like Encrypt it refuses to run on an
// absent or expired master token; session keys outliving their token
// must not keep decrypting.
func (c *Crypto) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.encryptionKey
	valid := c.masterToken.Valid(c.masterToken.boundESNOrEmpty(), c.now())
	c.mu.Unlock()
	if key == nil || !valid {
		return nil, ErrNoMasterToken
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("msl: create cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, aes.BlockSize)
}

// Sign computes the HMAC-SHA256 of data with the session signing key.
func (c *Crypto) Sign(data []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.signKey
	c.mu.Unlock()
	if key == nil {
		return nil, ErrNoMasterToken
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks mac against data in constant time.
func (c *Crypto) Verify(data, mac []byte) error {
	want, err := c.Sign(data)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, mac) {
		return ErrBadSignature
	}
	return nil
}

// InvalidateMasterToken drops the master token, session keys and every
// user-ID token. Used when the server rejects the token as expired or
// stale; the next request then renegotiates from scratch.
func (c *Crypto) InvalidateMasterToken() {
	c.mu.Lock()
	c.masterToken = nil
	c.encryptionKey = nil
	c.signKey = nil
	c.userTokens = make(map[string]UserIDToken)
	c.mu.Unlock()
}

// UserIDToken returns the token bound to guid, if present and still
// referencing the current master token.
func (c *Crypto) UserIDToken(guid string) (UserIDToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.userTokens[guid]
	if !ok {
		return UserIDToken{}, false
	}
	if c.masterToken == nil || token.MasterTokenSerial != c.masterToken.SerialNumber {
		delete(c.userTokens, guid)
		return UserIDToken{}, false
	}
	return token, true
}

// StoreUserIDToken persists a freshly issued user-ID token for guid.
func (c *Crypto) StoreUserIDToken(guid string, raw json.RawMessage) error {
	c.mu.Lock()
	if c.masterToken == nil {
		c.mu.Unlock()
		return ErrNoMasterToken
	}
	c.userTokens[guid] = UserIDToken{
		Raw:               raw,
		MasterTokenSerial: c.masterToken.SerialNumber,
	}
	c.mu.Unlock()
	return c.Persist()
}

// ClearUserIDTokens drops every user-ID token (used when the session
// turns anonymous).
func (c *Crypto) ClearUserIDTokens() error {
	c.mu.Lock()
	c.userTokens = make(map[string]UserIDToken)
	c.mu.Unlock()
	return c.Persist()
}

// Persist serializes the crypto state to the msl_data file.
func (c *Crypto) Persist() error {
	c.mu.Lock()
	state := &State{
		Version:      stateVersion,
		MasterToken:  c.masterToken,
		RSAKeyPEM:    encodeRSAKeyPEM(c.rsaKey),
		UserIDTokens: make(map[string]UserIDToken, len(c.userTokens)),
	}
	if c.encryptionKey != nil {
		state.EncryptionKey = base64.StdEncoding.EncodeToString(c.encryptionKey)
		state.SignKey = base64.StdEncoding.EncodeToString(c.signKey)
	}
	for guid, token := range c.userTokens {
		state.UserIDTokens[guid] = token
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Save(state)
}

func (t *MasterToken) boundESNOrEmpty() string {
	if t == nil {
		return ""
	}
	return t.BoundESN
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-pad], nil
}
