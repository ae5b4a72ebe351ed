package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
)

func runKeyCmd(args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("signet key", stderr)
	showNsec := fs.Bool("nsec", false, "show: print the secret key as nsec")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if len(rest) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: signet key <generate|import|show|remove|rotate>")
		return 2
	}

	switch rest[0] {
	case "generate":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			if l.keys.HasKey(ctx) {
				return errors.New("a key is already configured; remove it first")
			}
			pub, err := l.keys.Generate(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, pub)
			return nil
		})
	case "import":
		if len(rest) != 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: signet key import <nsec|hex>")
			return 2
		}
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			pub, err := l.keys.Import(ctx, rest[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, pub)
			return nil
		})
	case "show":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			var (
				out string
				err error
			)
			if *showNsec {
				out, err = l.keys.Export(ctx)
			} else {
				out, err = l.keys.PublicKey(ctx)
			}
			if errors.Is(err, contracts.ErrMissingKey) {
				return errors.New("no key configured; run `signet key generate` or `signet key import`")
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, out)
			return nil
		})
	case "remove":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			return l.keys.Remove(ctx)
		})
	case "rotate":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			version, err := l.kms.Rotate()
			if err != nil {
				return err
			}
			if err := l.keys.Reseal(ctx); err != nil {
				return fmt.Errorf("reseal after rotation to v%d: %w", version, err)
			}
			_, _ = fmt.Fprintf(stdout, "keystore rotated to v%d\n", version)
			return nil
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown key command: %s\n", rest[0])
		return 2
	}
}
