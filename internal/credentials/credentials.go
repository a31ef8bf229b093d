// Package credentials stores the Netflix account email and password
// encrypted at rest in the profile data directory.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

const (
	credentialsFile = "credentials"
	secretFile      = "device_secret"
	pbkdf2Rounds    = 4096
	keyLen          = 32
)

// Credentials is the email/password pair used for login and for the
// MSL credentials auth scheme.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Store persists credentials sealed with a per-installation key. The
// key is derived from a random device secret generated on first use,
// so the blob is unreadable when copied to another installation.
type Store struct {
	mu   sync.Mutex
	dir  string
	aead cipher.AEAD
}

// NewStore opens (creating on first use) the credential store in dir.
func NewStore(dir string) (*Store, error) {
	secret, err := loadOrCreateSecret(filepath.Join(dir, secretFile))
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, aead: aead}, nil
}

// newAEAD derives an AEAD cipher from the device secret.
func newAEAD(secret []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, []byte("nf-credentials"), pbkdf2Rounds, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == keyLen {
		return secret, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device secret: %w", err)
	}
	secret = make([]byte, keyLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate device secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write device secret: %w", err)
	}
	return secret, nil
}

// Save seals and writes the credentials.
func (s *Store) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(s.path(), sealed, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load reads and opens the stored credentials. A missing or
// undecryptable file yields nferrors.ErrMissingCredentials.
func (s *Store) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.path())
	if err != nil {
		return Credentials{}, nferrors.ErrMissingCredentials
	}
	if len(sealed) < s.aead.NonceSize() {
		return Credentials{}, nferrors.ErrMissingCredentials
	}
	nonce, data := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return Credentials{}, nferrors.ErrMissingCredentials
	}
	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, nferrors.ErrMissingCredentials
	}
	return c, nil
}

// Purge removes the stored credentials.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, credentialsFile)
}
