package store

import (
	"encoding/json"
	"fmt"
	"io"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PostgresDSN   string
}

// Defaults are the values a fresh settings document starts with.
var Defaults = map[string]json.RawMessage{
	KeyPrivateKey:      json.RawMessage("null"),
	KeyPolicies:        json.RawMessage("{}"),
	KeyProtocolHandler: json.RawMessage("null"),
	KeyNotifications:   json.RawMessage("true"),
}

// Open builds the configured backend. The returned closer is a no-op for
// backends without resources.
func Open(opts Options) (KV, io.Closer, error) {
	switch opts.Backend {
	case "", BackendFile:
		kv, err := NewFileKV(opts.Path, Defaults)
		if err != nil {
			return nil, nil, err
		}
		return kv, nopCloser{}, nil
	case BackendSQLite:
		kv, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	case BackendRedis:
		kv := NewRedisKV(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
		return kv, kv, nil
	case BackendPostgres:
		kv, err := OpenPostgres(opts.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	case BackendMemory:
		return NewMemoryKV(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
