// Package keyring provides secure secret storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/yllada/tunneld/common"
	"github.com/zalando/go-keyring"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound = errors.New("secret not found")
	ErrEmptyKey = errors.New("key cannot be empty")
)

// Store keeps secrets for one service name.
type Store struct {
	service string

	mu        sync.RWMutex
	useLocal  bool
	local     map[string]string
	localFile string
	key       []byte
}

// New probes the system keyring for service and returns a store backed by it,
// or by an encrypted file at fallbackFile when the keyring is unavailable.
func New(service, fallbackFile string) *Store {
	s := &Store{
		service:   service,
		localFile: fallbackFile,
	}

	testKey := service + "-probe"
	if err := keyring.Set(service, testKey, "probe"); err == nil {
		keyring.Delete(service, testKey)
		return s
	}

	common.LogWarn("System keyring unavailable, using encrypted file %s", fallbackFile)
	s.initLocal()
	return s
}

// UsesLocalStorage reports whether the encrypted file fallback is active.
func (s *Store) UsesLocalStorage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

func (s *Store) initLocal() {
	s.useLocal = true
	if s.local != nil {
		return
	}

	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", s.service, hostname, machineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	s.key = hash[:]

	s.local = make(map[string]string)
	s.loadLocal()
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *Store) loadLocal() {
	if s.localFile == "" {
		return
	}
	data, err := os.ReadFile(s.localFile)
	if err != nil {
		return
	}
	decrypted, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Ignoring unreadable credential file %s: %v", s.localFile, err)
		return
	}
	json.Unmarshal(decrypted, &s.local)
}

// saveLocal must be called with s.mu held.
func (s *Store) saveLocal() error {
	if s.localFile == "" {
		return nil
	}
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.localFile, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Set saves value under key.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		if err := keyring.Set(s.service, key, value); err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, switching to encrypted file")
		s.initLocal()
	}
	s.local[key] = value
	return s.saveLocal()
}

// Get retrieves the value stored under key.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.useLocal {
		value, err := keyring.Get(s.service, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Keyring read failed for %s: %v", key, err)
		}
		return "", ErrNotFound
	}

	value, ok := s.local[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := keyring.Delete(s.service, key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}

	delete(s.local, key)
	return s.saveLocal()
}

// Exists checks if a value is stored under key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}
