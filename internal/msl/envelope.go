package msl

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// encryptionEnvelope is the JSON wrapper around every AES-CBC
// ciphertext on the MSL wire.
type encryptionEnvelope struct {
	Version    int    `json:"version"`
	Ciphertext string `json:"ciphertext"`
	SHA256     string `json:"sha256"`
	KeyID      string `json:"keyid"`
	IV         string `json:"iv"`
}

// EncryptEnvelope encrypts plaintext and wraps it in the wire
// envelope. The key id ties the ciphertext to the master token that
// produced it.
func (c *Crypto) EncryptEnvelope(plaintext []byte, esn string) ([]byte, error) {
	ciphertext, iv, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	serial := int64(0)
	if c.masterToken != nil {
		serial = c.masterToken.SequenceNumber
	}
	c.mu.Unlock()
	env := encryptionEnvelope{
		Version:    1,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		SHA256:     "AA==",
		KeyID:      fmt.Sprintf("%s_%d", esn, serial),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}
	return json.Marshal(env)
}

// DecryptEnvelope unwraps and decrypts one wire envelope.
func (c *Crypto) DecryptEnvelope(data []byte) ([]byte, error) {
	var env encryptionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("msl: parse envelope: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("msl: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("msl: decode iv: %w", err)
	}
	return c.Decrypt(iv, ciphertext)
}
