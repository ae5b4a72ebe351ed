package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKV stores every key in one JSON document on disk, the same shape as the
// settings file the desktop signer used. Writes go to a temp file and are
// renamed into place.
type FileKV struct {
	path string
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewFileKV opens (or lazily creates) the settings document at path. defaults
// are written for keys absent from an existing file.
func NewFileKV(path string, defaults map[string]json.RawMessage) (*FileKV, error) {
	f := &FileKV{
		path: path,
		data: make(map[string]json.RawMessage),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	for k, v := range defaults {
		if _, ok := f.data[k]; !ok {
			f.data[k] = v
		}
	}
	return f, nil
}

func (f *FileKV) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bytes, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings %s: %w", f.path, err)
	}
	if len(bytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bytes, &f.data); err != nil {
		return fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return nil
}

// save writes data to disk. Callers swap it into f.data only on success so a
// failed write never leaves unpersisted state visible.
func (f *FileKV) save(data map[string]json.RawMessage) error {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	if err := validate(value); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	v := make(json.RawMessage, len(value))
	copy(v, value)
	next := f.clone()
	next[key] = v
	if err := f.save(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *FileKV) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.data[key]; !ok {
		return nil
	}
	next := f.clone()
	delete(next, key)
	if err := f.save(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *FileKV) clone() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(f.data)+1)
	for k, v := range f.data {
		out[k] = v
	}
	return out
}
