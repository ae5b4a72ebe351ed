package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/signet/pkg/store"
)

func runSettingsCmd(args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("signet settings", stderr)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if len(rest) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: signet settings <get NAME | set NAME VALUE>")
		return 2
	}

	switch rest[0] {
	case "get":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			raw, err := l.kv.Get(ctx, rest[1])
			if errors.Is(err, store.ErrNotFound) {
				raw = json.RawMessage("null")
			} else if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, string(raw))
			return nil
		})
	case "set":
		if len(rest) != 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: signet settings set NAME VALUE")
			return 2
		}
		value, err := settingValue(rest[1], rest[2])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			return store.SetJSON(ctx, l.kv, rest[1], value)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown settings command: %s\n", rest[0])
		return 2
	}
}

// settingValue converts a command-line value for one of the user-editable
// settings. An empty protocol handler clears it.
func settingValue(name, raw string) (any, error) {
	switch name {
	case store.KeyProtocolHandler:
		if raw == "" {
			return nil, nil
		}
		return raw, nil
	case store.KeyNotifications:
		switch raw {
		case "on", "true":
			return true, nil
		case "off", "false":
			return false, nil
		}
		return nil, fmt.Errorf("notifications must be on or off, got %q", raw)
	default:
		return nil, fmt.Errorf("setting %q is not editable", name)
	}
}
