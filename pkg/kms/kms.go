// Package kms seals the Nostr secret key before it reaches the storage
// collaborator, so a copied settings file or Redis dump does not leak it.
//
// Wrapping keys live in a separate file-backed keystore and are versioned:
// Rotate adds a new active version while older versions stay available to
// open values sealed earlier. Sealed values look like "v<N>:<base64>".
package kms

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Manager seals and opens small secrets.
type Manager interface {
	// Seal encrypts plaintext with the active key. label is bound as
	// associated data and must be presented again to Open.
	Seal(plaintext, label string) (string, error)

	// Open decrypts a value produced by Seal.
	Open(sealed, label string) (string, error)

	// Rotate generates a new active key. Old keys remain for Open.
	Rotate() (version int, err error)

	// ActiveVersion returns the current active key version.
	ActiveVersion() int
}

// Keystore is the on-disk JSON format for persisted wrapping keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64-encoded 32-byte key
}

// LocalKMS is a file-backed Manager using XChaCha20-Poly1305.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[int][]byte
}

// NewLocalKMS loads or creates a keystore at path. A missing file gets a
// fresh version 1 key.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{
		path: keystorePath,
		keys: make(map[int][]byte),
	}

	data, err := os.ReadFile(keystorePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key, err := newKey()
		if err != nil {
			return nil, err
		}
		k.store = Keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		k.keys[1] = key
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need %d)", v, len(key), chacha20poly1305.KeySize)
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return k, nil
}

// Seal encrypts plaintext with the active key.
func (k *LocalKMS) Seal(plaintext, label string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	k.mu.RLock()
	version := k.store.ActiveVersion
	key := k.keys[version]
	k.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("kms: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("kms: nonce: %w", err)
	}
	ct := aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))

	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Open decrypts a sealed value with whichever key version sealed it.
func (k *LocalKMS) Open(sealed, label string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	version, payload, err := parseVersioned(sealed)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("kms: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("kms: cipher: %w", err)
	}
	if len(ct) < aead.NonceSize() {
		return "", errors.New("kms: ciphertext too short")
	}
	pt, err := aead.Open(nil, ct[:aead.NonceSize()], ct[aead.NonceSize():], []byte(label))
	if err != nil {
		return "", fmt.Errorf("kms: open: %w", err)
	}
	return string(pt), nil
}

// Rotate generates a new key version and persists the keystore.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := newKey()
	if err != nil {
		return 0, err
	}
	newVersion := k.store.ActiveVersion + 1
	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func newKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", errors.New("kms: missing version prefix")
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", errors.New("kms: malformed sealed value")
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}

// Plaintext is a Manager that does not encrypt. It exists for in-memory
// deployments and tests where there is no disk to protect.
type Plaintext struct{}

func (Plaintext) Seal(plaintext, _ string) (string, error) { return plaintext, nil }
func (Plaintext) Open(sealed, _ string) (string, error)    { return sealed, nil }
func (Plaintext) Rotate() (int, error)                     { return 0, nil }
func (Plaintext) ActiveVersion() int                       { return 0 }
