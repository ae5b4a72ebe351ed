package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
)

// Matcher evaluates a policy's conditions against a concrete event. It caches
// compiled CEL programs; everything else is stateless.
type Matcher struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewMatcher creates a matcher with the `event` variable declared.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Matcher{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

var defaultMatcher = sync.OnceValue(func() *Matcher {
	m, err := NewMatcher()
	if err != nil {
		slog.Error("policy: CEL environment unavailable, expr conditions will never match", "error", err)
		return &Matcher{prgCache: make(map[string]cel.Program)}
	}
	return m
})

// Matches reports whether conditions apply to event using the shared matcher.
func Matches(conditions *contracts.Conditions, event *nostr.Event) bool {
	return defaultMatcher().Matches(conditions, event)
}

// Matches reports whether conditions apply to event. An empty or nil set
// matches everything. A kinds condition needs an event whose kind is mapped
// to true; without an event it fails. It never panics and never errors.
func (m *Matcher) Matches(conditions *contracts.Conditions, event *nostr.Event) bool {
	if conditions.IsEmpty() {
		return true
	}
	if event == nil {
		return false
	}
	if conditions.Kinds != nil && !conditions.Kinds[event.Kind] {
		return false
	}
	if conditions.Expr != "" {
		return m.evalExpr(conditions.Expr, event)
	}
	return true
}

func (m *Matcher) evalExpr(expr string, event *nostr.Event) bool {
	prg, err := m.program(expr)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]any{"event": eventVars(event)})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

func (m *Matcher) program(expr string) (cel.Program, error) {
	if m.env == nil {
		return nil, fmt.Errorf("no CEL environment")
	}
	m.mu.RLock()
	prg, hit := m.prgCache[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.prgCache[expr]; hit {
		return prg, nil
	}
	ast, iss := m.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", t)
	}
	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, err
	}
	m.prgCache[expr] = prg
	return prg, nil
}

// CompileCheck validates an expression without evaluating it.
func (m *Matcher) CompileCheck(expr string) error {
	_, err := m.program(expr)
	return err
}

func eventVars(event *nostr.Event) map[string]any {
	tags := make([][]string, 0, len(event.Tags))
	for _, tag := range event.Tags {
		tags = append(tags, []string(tag))
	}
	return map[string]any{
		"kind":       int64(event.Kind),
		"content":    event.Content,
		"created_at": int64(event.CreatedAt),
		"pubkey":     event.PubKey,
		"tags":       tags,
	}
}
