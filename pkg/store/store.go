// Package store implements the storage collaborator: a small key-value
// surface scoped to the privileged process. It holds the encrypted secret key,
// the policy document, free-form settings and the protocol handler template.
//
// Values are JSON documents. Backends: a JSON settings file (default), SQLite,
// Postgres, Redis, and an in-memory map for tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known keys.
const (
	KeyPrivateKey      = "private_key"
	KeyPolicies        = "policies"
	KeyProtocolHandler = "protocol_handler"
	KeyNotifications   = "notifications"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrInvalidValue = errors.New("value is not valid JSON")
)

// KV is the storage collaborator.
type KV interface {
	// Get returns the raw JSON stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value at key. value must be valid JSON.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the value at key into v. It reports false, nil when the key
// is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return kv.Set(ctx, key, raw)
}

// GetString returns the string stored at key, or "" when absent or null.
func GetString(ctx context.Context, kv KV, key string) (string, error) {
	var s *string
	if _, err := GetJSON(ctx, kv, key, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// GetBool returns the boolean stored at key, or def when absent.
func GetBool(ctx context.Context, kv KV, key string, def bool) (bool, error) {
	var b *bool
	if _, err := GetJSON(ctx, kv, key, &b); err != nil {
		return def, err
	}
	if b == nil {
		return def, nil
	}
	return *b, nil
}

func validate(value []byte) error {
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	return nil
}
