package msl

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// stateVersion gates lazy state migrations on load. Version bumps map
// to explicit upgrade steps in Load.
const stateVersion = 2

// stateFile is the on-disk name of the serialized MSL state.
const stateFile = "msl_data"

// State is the serialized form of the MSL crypto state. Field order is
// fixed so serialize(deserialize(x)) == x holds bytes-equal for files
// this implementation wrote.
type State struct {
	Version       int                    `json:"version"`
	MasterToken   *MasterToken           `json:"master_token,omitempty"`
	EncryptionKey string                 `json:"encryption_key,omitempty"`
	SignKey       string                 `json:"sign_key,omitempty"`
	RSAKeyPEM     string                 `json:"rsa_key,omitempty"`
	UserIDTokens  map[string]UserIDToken `json:"user_id_tokens"`
}

// Store reads and writes the msl_data file. Concurrent Save calls are
// serialized; the file is replaced atomically via a rename.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load reads the persisted state. A missing file or unparseable
// content returns an error the caller treats as "no state".
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		return nil, fmt.Errorf("read msl state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse msl state: %w", err)
	}
	if state.Version > stateVersion {
		return nil, fmt.Errorf("msl state version %d is newer than supported %d",
			state.Version, stateVersion)
	}
	if state.Version < stateVersion {
		migrateState(&state)
	}
	if state.UserIDTokens == nil {
		state.UserIDTokens = make(map[string]UserIDToken)
	}
	return &state, nil
}

// migrateState upgrades older state files in place. Version 1 files
// predate per-profile user-ID tokens; their tokens were bound to a
// token layout this implementation no longer reads, so they restart
// with an empty token map.
func migrateState(state *State) {
	if state.Version < 2 {
		state.UserIDTokens = nil
	}
	state.Version = stateVersion
}

// Save serializes state to disk.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode msl state: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write msl state: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("replace msl state: %w", err)
	}
	return nil
}

// Delete removes the state file (explicit reset).
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove msl state: %w", err)
	}
	return nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, stateFile)
}

func encodeRSAKeyPEM(key *rsa.PrivateKey) string {
	if key == nil {
		return ""
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

func parseRSAKeyPEM(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block in rsa key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func marshalRSAPublicKey(key *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(key)
}
