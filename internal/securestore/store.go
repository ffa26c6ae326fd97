// Package securestore encrypts small JSON documents at rest.
//
// Documents are sealed with AES-256-GCM under a key derived from
// machine-scoped factors (OS username, hostname, a fixed application
// salt). This defends against casual disk inspection and backup leakage
// only: a local attacker who knows the factors can re-derive the key.
// That trade-off is deliberate; there is no passphrase to prompt for in
// a non-interactive timer daemon.
//
// Any read that fails authenticated decryption is reported as absence,
// never as an error, so callers treat a tampered or truncated file the
// same as a missing one. Writes are atomic (temp file + rename) with
// owner-only permissions.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeVersion = 1

	// appSalt pins key derivation to this application. Changing it
	// invalidates every envelope written by earlier builds.
	appSalt = "dev-timr/at-rest/v1"

	pbkdf2Iterations = 100_000
	keyLen           = 32
	gcmTagLen        = 16
)

// Envelope is the only on-disk representation of an encrypted document.
type Envelope struct {
	Version    int    `json:"version"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store seals and opens JSON documents with a machine-scoped key.
// The key is derived once at construction.
type Store struct {
	key    []byte
	logger *log.Logger
}

// New creates a Store keyed to the current OS user and host.
//
// If logger is nil, a default logger writing to stderr is used.
func New(logger *log.Logger) *Store {
	return NewWithKey(deriveMachineKey(), logger)
}

// NewWithKey creates a Store with an explicit key. Used by tests and by
// anything that needs a stable key independent of the machine.
func NewWithKey(key []byte, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[securestore] ", log.LstdFlags)
	}
	return &Store{key: key, logger: logger}
}

// deriveMachineKey stretches username|hostname|salt into an AES-256 key.
func deriveMachineKey() []byte {
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if username == "" {
		username = os.Getenv("USER")
	}
	hostname, _ := os.Hostname()

	material := username + "|" + hostname
	return pbkdf2.Key([]byte(material), []byte(appSalt), pbkdf2Iterations, keyLen, sha256.New)
}

// Encrypt serializes v to JSON and seals it into a versioned envelope
// with a fresh random nonce.
func (s *Store) Encrypt(v any) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// GCM appends the tag to the ciphertext; the envelope stores them
	// separately.
	split := len(sealed) - gcmTagLen
	return &Envelope{
		Version:    envelopeVersion,
		IV:         nonce,
		AuthTag:    sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Decrypt opens an envelope into out. Returns false on any
// authentication or structural failure; out is untouched on failure.
func (s *Store) Decrypt(env *Envelope, out any) bool {
	if env == nil || env.Version != envelopeVersion {
		return false
	}

	gcm, err := s.aead()
	if err != nil {
		return false
	}
	if len(env.IV) != gcm.NonceSize() || len(env.AuthTag) != gcmTagLen {
		return false
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return false
	}

	return json.Unmarshal(plaintext, out) == nil
}

// ReadOrMigrate loads the document at path into out.
//
// Recognized encrypted envelopes are decrypted. Bare legacy plaintext
// JSON is parsed and immediately re-persisted through the envelope
// format (one-time transparent upgrade). Anything else, including an
// envelope that fails authentication, is reported as absent.
func (s *Store) ReadOrMigrate(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && isEnvelope(&env) {
		if !s.Decrypt(&env, out) {
			s.logger.Printf("discarding undecryptable envelope at %s", path)
			return false, nil
		}
		return true, nil
	}

	// Not an envelope: try bare legacy JSON.
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Printf("discarding unreadable document at %s", path)
		return false, nil
	}

	if err := s.Write(path, out); err != nil {
		// The plaintext parse already succeeded; a failed upgrade is
		// logged and retried on the next write.
		s.logger.Printf("failed to migrate %s to encrypted format: %v", path, err)
	}
	return true, nil
}

// Write seals v and atomically replaces the file at path with the
// envelope, owner read/write only.
func (s *Store) Write(path string, v any) error {
	env, err := s.Encrypt(v)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return WriteFileAtomic(path, data)
}

// isEnvelope reports whether a parsed document carries the envelope's
// required fields. A legacy plaintext document has none of them.
func isEnvelope(env *Envelope) bool {
	return env.Version >= 1 && len(env.IV) > 0 && len(env.Ciphertext) > 0
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return gcm, nil
}

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by rename, so a concurrent reader never observes a
// partially-written document. The file and its parent directory are
// restricted to the owning user.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to restrict permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
