package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/signet/pkg/config"
	"github.com/Mindburn-Labs/signet/pkg/keystore"
	"github.com/Mindburn-Labs/signet/pkg/kms"
	"github.com/Mindburn-Labs/signet/pkg/store"
)

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", os.Getenv("SIGNET_CONFIG"), "path to the YAML configuration file")
	return fs, cfgPath
}

// parse parses args and reports the exit code to use when parsing fails.
func parse(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// local bundles the storage and keystore used by every command.
type local struct {
	cfg    *config.Config
	kv     store.KV
	closer io.Closer
	kms    *kms.LocalKMS
	keys   *keystore.Keystore
}

func openLocal(cfgPath string, logOut io.Writer) (*local, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Log, logOut))
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kv, closer, err := store.Open(store.Options{
		Backend:       cfg.Storage.Backend,
		Path:          cfg.Storage.Path,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
		RedisPrefix:   cfg.Storage.RedisPrefix,
		PostgresDSN:   cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sealer, err := kms.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	return &local{
		cfg:    cfg,
		kv:     kv,
		closer: closer,
		kms:    sealer,
		keys:   keystore.New(kv, sealer),
	}, nil
}

func (l *local) Close() error {
	return l.closer.Close()
}

// withLocal opens local state, runs fn and reports errors on stderr.
func withLocal(cfgPath string, stderr io.Writer, fn func(ctx context.Context, l *local) error) int {
	l, err := openLocal(cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer l.Close()
	if err := fn(context.Background(), l); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
