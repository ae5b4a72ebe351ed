package main

import (
	"fmt"
	"io"

	"github.com/Mindburn-Labs/signet/pkg/linkresolver"
)

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: signet resolve <template> <nostr:uri>")
		return 2
	}
	d, err := linkresolver.Decode(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, linkresolver.Resolve(args[0], d))
	return 0
}
