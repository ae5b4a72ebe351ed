// Package policy holds the gateway's authorization decisions: the durable
// policy store, the condition matcher and the permission oracle built on them.
//
// Policies are kept in a single document under the "policies" storage key,
// shaped origin -> "true"|"false" -> operation type -> {conditions, created_at}.
//
// When an allow policy and a deny policy for the same origin and operation
// both match a request, allow wins. Nothing prevents the two from overlapping.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/store"
)

// document is the persisted layout.
type document map[string]map[string]map[string]contracts.Policy

// Store reads and writes policies through the storage collaborator and
// answers permission queries.
type Store struct {
	kv      store.KV
	matcher *Matcher
	mu      sync.Mutex
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithMatcher replaces the shared condition matcher.
func WithMatcher(m *Matcher) Option {
	return func(s *Store) { s.matcher = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a policy store over kv.
func NewStore(kv store.KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		clock:  time.Now,
		logger: slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.matcher == nil {
		s.matcher = defaultMatcher()
	}
	return s
}

func (s *Store) load(ctx context.Context) (document, error) {
	doc := document{}
	if s.kv == nil {
		return doc, nil
	}
	if _, err := store.GetJSON(ctx, s.kv, store.KeyPolicies, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}

// GetPermissionStatus answers allow, deny or unknown for a request from origin
// to perform opType. event is only consulted by conditional policies. It has
// no side effects and never fails: unreadable storage counts as no policies.
func (s *Store) GetPermissionStatus(ctx context.Context, origin, opType string, event *nostr.Event) contracts.Decision {
	if origin == "" || opType == "" {
		return contracts.DecisionUnknown
	}
	doc, err := s.load(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "policy document unreadable, treating as empty", "error", err)
		return contracts.DecisionUnknown
	}
	byOutcome := doc[origin]
	if byOutcome == nil {
		return contracts.DecisionUnknown
	}

	if p, ok := byOutcome[contracts.OutcomeAllow.Key()][opType]; ok && s.matcher.Matches(p.Conditions, event) {
		return contracts.DecisionAllow
	}
	if p, ok := byOutcome[contracts.OutcomeDeny.Key()][opType]; ok && s.matcher.Matches(p.Conditions, event) {
		return contracts.DecisionDeny
	}
	return contracts.DecisionUnknown
}

// UpdatePermission records (or replaces) the policy for origin, outcome and
// opType.
func (s *Store) UpdatePermission(ctx context.Context, origin, opType string, accept bool, conditions *contracts.Conditions) error {
	if origin == "" || opType == "" {
		return nil
	}
	if conditions != nil && conditions.Expr != "" {
		if err := s.matcher.CompileCheck(conditions.Expr); err != nil {
			return fmt.Errorf("invalid condition expression: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	outcome := contracts.Outcome(accept).Key()
	if doc[origin] == nil {
		doc[origin] = make(map[string]map[string]contracts.Policy)
	}
	if doc[origin][outcome] == nil {
		doc[origin][outcome] = make(map[string]contracts.Policy)
	}
	doc[origin][outcome][opType] = contracts.Policy{
		Conditions: conditions,
		CreatedAt:  s.clock().Unix(),
	}

	if err := store.SetJSON(ctx, s.kv, store.KeyPolicies, doc); err != nil {
		return fmt.Errorf("save policies: %w", err)
	}
	s.logger.InfoContext(ctx, "policy updated", "host", origin, "type", opType, "accept", accept)
	return nil
}

// RemovePermissions deletes the policy for origin, outcome and opType, pruning
// maps left empty. Removing a policy that does not exist is a no-op.
func (s *Store) RemovePermissions(ctx context.Context, origin string, outcome contracts.Outcome, opType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	key := outcome.Key()
	if _, ok := doc[origin][key][opType]; !ok {
		return nil
	}

	delete(doc[origin][key], opType)
	if len(doc[origin][key]) == 0 {
		delete(doc[origin], key)
	}
	if len(doc[origin]) == 0 {
		delete(doc, origin)
	}

	if err := store.SetJSON(ctx, s.kv, store.KeyPolicies, doc); err != nil {
		return fmt.Errorf("save policies: %w", err)
	}
	s.logger.InfoContext(ctx, "policy removed", "host", origin, "type", opType, "accept", bool(outcome))
	return nil
}

// List returns every stored policy ordered by origin, outcome (allow first)
// and operation type.
func (s *Store) List(ctx context.Context) ([]contracts.PolicyEntry, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var entries []contracts.PolicyEntry
	for origin, byOutcome := range doc {
		for key, byType := range byOutcome {
			outcome, ok := contracts.ParseOutcome(key)
			if !ok {
				continue
			}
			for opType, p := range byType {
				entries = append(entries, contracts.PolicyEntry{
					Origin:  origin,
					Outcome: outcome,
					Type:    opType,
					Policy:  p,
				})
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		if a.Outcome != b.Outcome {
			return bool(a.Outcome)
		}
		return a.Type < b.Type
	})
	return entries, nil
}
