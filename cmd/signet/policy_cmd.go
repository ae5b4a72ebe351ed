package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("signet policy", stderr)
	host := fs.String("host", "", "remove: origin host")
	opType := fs.String("type", "", "remove: operation type")
	accept := fs.String("accept", "", "remove: true|false (or allow|deny)")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if len(rest) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: signet policy <list|remove>")
		return 2
	}

	switch rest[0] {
	case "list":
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			entries, err := policy.NewStore(l.kv).List(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(stdout, "no policies")
				return nil
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "HOST\tDECISION\tTYPE\tCONDITIONS\tCREATED")
			for _, e := range entries {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Origin, e.Outcome, e.Type, describeConditions(e.Conditions), e.Created().Format(time.RFC3339))
			}
			return tw.Flush()
		})
	case "remove":
		outcome, ok := contracts.ParseOutcome(*accept)
		if *host == "" || *opType == "" || !ok {
			_, _ = fmt.Fprintln(stderr, "Usage: signet policy remove --host H --type T --accept true|false")
			return 2
		}
		return withLocal(*cfgPath, stderr, func(ctx context.Context, l *local) error {
			return policy.NewStore(l.kv).RemovePermissions(ctx, *host, outcome, *opType)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy command: %s\n", rest[0])
		return 2
	}
}

func describeConditions(c *contracts.Conditions) string {
	if c.IsEmpty() {
		return "-"
	}
	var out string
	if c.Kinds != nil {
		out = fmt.Sprintf("kinds=%v", sortedKinds(c.Kinds))
	}
	if c.Expr != "" {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("expr=%q", c.Expr)
	}
	return out
}

func sortedKinds(kinds map[int]bool) []int {
	out := make([]int, 0, len(kinds))
	for k, member := range kinds {
		if member {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
