// Command signet runs the signing gateway and manages its key, policies and
// settings.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "key":
		return runKeyCmd(args[2:], stdout, stderr)
	case "policy", "policies":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "settings":
		return runSettingsCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "signet: a local signing gateway for nostr keys")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  signet <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the gateway (default)")
	printCommand(w, "key", "generate | import <nsec|hex> | show [--nsec] | remove | rotate")
	printCommand(w, "policy", "list | remove --host H --type T --accept true|false")
	printCommand(w, "settings", "get <name> | set protocol_handler <template> | set notifications on|off")
	printCommand(w, "resolve", "<template> <nostr:uri>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command accepts --config <path> (default $SIGNET_CONFIG).")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
