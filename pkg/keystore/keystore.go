// Package keystore manages the lifecycle of the single Nostr secret key held
// by the gateway. The key is sealed by a kms.Manager before it is written to
// the storage collaborator under "private_key".
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/kms"
	"github.com/Mindburn-Labs/signet/pkg/store"
)

// ErrInvalidKey is returned for input that is neither an nsec nor 64 hex chars.
var ErrInvalidKey = errors.New("invalid secret key")

// Keystore reads and writes the secret key.
type Keystore struct {
	kv     store.KV
	kms    kms.Manager
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a keystore. A nil manager stores the key unsealed.
func New(kv store.KV, manager kms.Manager) *Keystore {
	if manager == nil {
		manager = kms.Plaintext{}
	}
	return &Keystore{
		kv:     kv,
		kms:    manager,
		logger: slog.Default().With("component", "keystore"),
	}
}

// SecretKey returns the hex secret key, or contracts.ErrMissingKey.
func (k *Keystore) SecretKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.secretKey(ctx)
}

func (k *Keystore) secretKey(ctx context.Context) (string, error) {
	stored, err := store.GetString(ctx, k.kv, store.KeyPrivateKey)
	if err != nil {
		return "", fmt.Errorf("load secret key: %w", err)
	}
	if stored == "" {
		return "", contracts.ErrMissingKey
	}
	// Settings written before sealing was introduced hold the bare hex key.
	if isHexKey(stored) {
		return stored, nil
	}
	sk, err := k.kms.Open(stored, store.KeyPrivateKey)
	if err != nil {
		return "", fmt.Errorf("unseal secret key: %w", err)
	}
	return sk, nil
}

// HasKey reports whether a usable key is configured. Storage errors count as
// no key.
func (k *Keystore) HasKey(ctx context.Context) bool {
	_, err := k.SecretKey(ctx)
	if err != nil && !errors.Is(err, contracts.ErrMissingKey) {
		k.logger.Warn("secret key unavailable", "error", err)
	}
	return err == nil
}

// PublicKey returns the hex public key of the configured secret key.
func (k *Keystore) PublicKey(ctx context.Context) (string, error) {
	sk, err := k.SecretKey(ctx)
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(sk)
}

// Import stores key, given as an nsec or as hex, and returns its public key.
func (k *Keystore) Import(ctx context.Context, key string) (string, error) {
	sk, err := ParseSecretKey(key)
	if err != nil {
		return "", err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.write(ctx, sk); err != nil {
		return "", err
	}
	k.logger.Info("secret key imported", "pubkey", pk)
	return pk, nil
}

// Generate creates and stores a fresh key, replacing any existing one.
func (k *Keystore) Generate(ctx context.Context) (string, error) {
	return k.Import(ctx, nostr.GeneratePrivateKey())
}

// Remove deletes the key.
func (k *Keystore) Remove(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.kv.Remove(ctx, store.KeyPrivateKey); err != nil {
		return fmt.Errorf("remove secret key: %w", err)
	}
	k.logger.Info("secret key removed")
	return nil
}

// Reseal re-encrypts the stored key with the manager's active version. Call it
// after rotating the kms.
func (k *Keystore) Reseal(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	sk, err := k.secretKey(ctx)
	if err != nil {
		return err
	}
	return k.write(ctx, sk)
}

// Export returns the key as an nsec.
func (k *Keystore) Export(ctx context.Context) (string, error) {
	sk, err := k.SecretKey(ctx)
	if err != nil {
		return "", err
	}
	return nip19.EncodePrivateKey(sk)
}

func (k *Keystore) write(ctx context.Context, sk string) error {
	sealed, err := k.kms.Seal(sk, store.KeyPrivateKey)
	if err != nil {
		return fmt.Errorf("seal secret key: %w", err)
	}
	if err := store.SetJSON(ctx, k.kv, store.KeyPrivateKey, sealed); err != nil {
		return fmt.Errorf("store secret key: %w", err)
	}
	return nil
}

// ParseSecretKey normalizes an nsec or hex secret key to lowercase hex.
func ParseSecretKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil || prefix != "nsec" {
			return "", fmt.Errorf("%w: bad nsec", ErrInvalidKey)
		}
		sk, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: bad nsec", ErrInvalidKey)
		}
		key = sk
	}
	key = strings.ToLower(key)
	if !isHexKey(key) {
		return "", ErrInvalidKey
	}
	return key, nil
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
