// Package orchestrator runs one authorization cycle per caller request.
//
// Exempt operations go straight to their handler. Everything else is
// serialized, performed speculatively so the result can be previewed, and
// then allowed, denied or put to a human according to stored policy. The
// serializer is released exactly once on every path.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/observability"
	"github.com/Mindburn-Labs/signet/pkg/serializer"
)

// DefaultPreviewMaxBytes bounds the speculative result shown on a surface.
const DefaultPreviewMaxBytes = 4096

// State is a step of the authorization cycle.
type State string

const (
	StateStart        State = "START"
	StateNoAuthNeeded State = "NO_AUTH_NEEDED"
	StateSerialized   State = "SERIALIZED"
	StateOperated     State = "OPERATED"
	StateOracle       State = "ORACLE_QUERIED"
	StateAllowed      State = "ALLOWED"
	StateDenied       State = "DENIED"
	StateAskHuman     State = "ASK_HUMAN"
	StateAccepted     State = "ACCEPTED"
	StateRejected     State = "REJECTED"
	StateErrored      State = "ERRORED"
)

// Serializer hands out the single authorization token.
type Serializer interface {
	Acquire(ctx context.Context) (serializer.Release, error)
}

// Operator is the crypto collaborator.
type Operator interface {
	Perform(ctx context.Context, opType string, params json.RawMessage) (any, error)
}

// Oracle answers permission queries.
type Oracle interface {
	GetPermissionStatus(ctx context.Context, origin, opType string, event *nostr.Event) contracts.Decision
}

// Prompter asks the human.
type Prompter interface {
	Open(ctx context.Context, p contracts.Prompt) (bool, error)
	SetupKey(ctx context.Context) (bool, error)
}

// Notifier reports policy-driven decisions without blocking.
type Notifier interface {
	Decision(origin, opType string, decision contracts.Decision)
}

// LinkResolver handles replaceURL.
type LinkResolver interface {
	ResolveURL(ctx context.Context, url string) (any, error)
}

// Deps are the collaborators of an Orchestrator. Notifier, Links and
// Telemetry are optional.
type Deps struct {
	Serializer      Serializer
	Operator        Operator
	Oracle          Oracle
	Prompter        Prompter
	Notifier        Notifier
	Links           LinkResolver
	Telemetry       *observability.Provider
	PreviewMaxBytes int
	Logger          *slog.Logger
	// OnState observes every state transition. Used by tests.
	OnState func(req contracts.Request, s State)
}

// Orchestrator is the authorization orchestrator.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

// New creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Serializer == nil || deps.Operator == nil || deps.Oracle == nil || deps.Prompter == nil {
		return nil, errors.New("orchestrator: serializer, operator, oracle and prompter are required")
	}
	if deps.PreviewMaxBytes <= 0 {
		deps.PreviewMaxBytes = DefaultPreviewMaxBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{deps: deps, logger: logger}, nil
}

func (o *Orchestrator) enter(req contracts.Request, s State) {
	o.logger.Debug("transition", "state", s, "origin", req.Origin, "type", req.Type)
	if o.deps.OnState != nil {
		o.deps.OnState(req, s)
	}
}

// Handle runs one cycle for req.
func (o *Orchestrator) Handle(ctx context.Context, req contracts.Request) contracts.Response {
	o.enter(req, StateStart)

	if contracts.IsExempt(req.Type) {
		o.enter(req, StateNoAuthNeeded)
		return o.handleExempt(ctx, req)
	}
	if !contracts.IsKnown(req.Type) {
		o.logger.Debug("ignoring unknown operation", "type", req.Type, "origin", req.Origin)
		return contracts.Response{}
	}

	ctx, done := o.deps.Telemetry.TrackOperation(ctx, "signet.authorize",
		attribute.String("signet.type", req.Type),
		attribute.String("signet.origin", req.Origin),
	)
	resp, err := o.authorize(ctx, req)
	done(err)
	return resp
}

func (o *Orchestrator) authorize(ctx context.Context, req contracts.Request) (contracts.Response, error) {
	release, err := o.deps.Serializer.Acquire(ctx)
	if err != nil {
		o.enter(req, StateErrored)
		return contracts.Failure(err), err
	}
	defer release()
	o.enter(req, StateSerialized)

	result, err := o.speculate(ctx, req)
	if err != nil {
		o.enter(req, StateErrored)
		o.logger.Info("operation failed", "type", req.Type, "origin", req.Origin, "error", err)
		return contracts.Failure(err), err
	}
	o.enter(req, StateOperated)

	decision := o.deps.Oracle.GetPermissionStatus(ctx, req.Origin, req.Type, eventOf(req))
	o.enter(req, StateOracle)

	switch decision {
	case contracts.DecisionAllow:
		o.enter(req, StateAllowed)
		o.deps.Telemetry.RecordDecision(ctx, "allow", "policy")
		o.notify(req, decision)
		return contracts.Success(result), nil
	case contracts.DecisionDeny:
		o.enter(req, StateDenied)
		o.deps.Telemetry.RecordDecision(ctx, "deny", "policy")
		o.notify(req, decision)
		return contracts.Failure(contracts.ErrDenied), nil
	}

	o.enter(req, StateAskHuman)
	accept, err := o.deps.Prompter.Open(ctx, o.promptFor(req, result))
	switch {
	case errors.Is(err, contracts.ErrAbandoned):
		o.enter(req, StateRejected)
		o.deps.Telemetry.RecordDecision(ctx, "abandoned", "human")
		o.logger.Info("confirmation abandoned", "origin", req.Origin, "type", req.Type)
		return contracts.Failure(err), nil
	case err != nil:
		o.enter(req, StateErrored)
		o.deps.Telemetry.RecordDecision(ctx, "error", "human")
		o.logger.Warn("confirmation failed", "origin", req.Origin, "type", req.Type, "error", err)
		return contracts.Failure(err), err
	case !accept:
		o.enter(req, StateRejected)
		o.deps.Telemetry.RecordDecision(ctx, "deny", "human")
		return contracts.Failure(contracts.ErrDenied), nil
	default:
		o.enter(req, StateAccepted)
		o.deps.Telemetry.RecordDecision(ctx, "allow", "human")
		return contracts.Success(result), nil
	}
}

// speculate performs the operation once. A missing key triggers a single
// key-setup detour followed by one retry.
func (o *Orchestrator) speculate(ctx context.Context, req contracts.Request) (any, error) {
	result, err := o.deps.Operator.Perform(ctx, req.Type, req.Params)
	if !errors.Is(err, contracts.ErrMissingKey) {
		return result, err
	}
	configured, setupErr := o.deps.Prompter.SetupKey(ctx)
	if setupErr != nil {
		return nil, fmt.Errorf("key setup: %w", setupErr)
	}
	if !configured {
		return nil, contracts.ErrMissingKey
	}
	return o.deps.Operator.Perform(ctx, req.Type, req.Params)
}

func (o *Orchestrator) promptFor(req contracts.Request, result any) contracts.Prompt {
	p := contracts.Prompt{
		Origin: req.Origin,
		ID:     uuid.NewString(),
		Params: req.Params,
		Type:   req.Type,
	}
	if s, ok := result.(string); ok && len(s) <= o.deps.PreviewMaxBytes {
		p.Preview = s
	}
	return p
}

func (o *Orchestrator) notify(req contracts.Request, d contracts.Decision) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Decision(req.Origin, req.Type, d)
	}
}

func (o *Orchestrator) handleExempt(ctx context.Context, req contracts.Request) contracts.Response {
	switch req.Type {
	case contracts.OpReplaceURL:
		if o.deps.Links == nil {
			return contracts.Success(false)
		}
		var p struct {
			URL string `json:"url"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return contracts.Failure(fmt.Errorf("%w: %v", contracts.ErrInvalidParams, err))
			}
		}
		res, err := o.deps.Links.ResolveURL(ctx, p.URL)
		if err != nil {
			return contracts.Failure(err)
		}
		return contracts.Success(res)
	}
	return contracts.Response{}
}

// eventOf returns params.event for signEvent requests only.
func eventOf(req contracts.Request) *nostr.Event {
	if req.Type != contracts.OpSignEvent || len(req.Params) == 0 {
		return nil
	}
	var p struct {
		Event *nostr.Event `json:"event"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil
	}
	return p.Event
}
