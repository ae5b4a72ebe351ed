package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/serializer"
)

// countingSerializer wraps the real serializer and counts releases.
type countingSerializer struct {
	inner    *serializer.Serializer
	acquired atomic.Int32
	released atomic.Int32
}

func newCounting() *countingSerializer {
	return &countingSerializer{inner: serializer.New()}
}

func (c *countingSerializer) Acquire(ctx context.Context) (serializer.Release, error) {
	rel, err := c.inner.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c.acquired.Add(1)
	return func() {
		c.released.Add(1)
		rel()
	}, nil
}

type fakeOperator struct {
	mu     sync.Mutex
	calls  int
	result any
	err    error
	// errs is consumed before err, one per call.
	errs []error
}

func (f *fakeOperator) Perform(context.Context, string, json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.result, f.err
}

type fakeOracle struct {
	decision contracts.Decision
	calls    atomic.Int32
	event    *nostr.Event
}

func (f *fakeOracle) GetPermissionStatus(_ context.Context, _, _ string, evt *nostr.Event) contracts.Decision {
	f.calls.Add(1)
	f.event = evt
	return f.decision
}

type fakePrompter struct {
	accept   bool
	err      error
	setupOK  bool
	setupErr error
	prompts  []contracts.Prompt
	setups   int
}

func (f *fakePrompter) Open(_ context.Context, p contracts.Prompt) (bool, error) {
	f.prompts = append(f.prompts, p)
	return f.accept, f.err
}

func (f *fakePrompter) SetupKey(context.Context) (bool, error) {
	f.setups++
	return f.setupOK, f.setupErr
}

type fakeNotifier struct {
	decisions []contracts.Decision
}

func (f *fakeNotifier) Decision(_, _ string, d contracts.Decision) {
	f.decisions = append(f.decisions, d)
}

type fakeLinks struct {
	calls atomic.Int32
}

func (f *fakeLinks) ResolveURL(_ context.Context, url string) (any, error) {
	f.calls.Add(1)
	return "resolved:" + url, nil
}

type fixture struct {
	ser      *countingSerializer
	op       *fakeOperator
	oracle   *fakeOracle
	prompter *fakePrompter
	notifier *fakeNotifier
	links    *fakeLinks
	orch     *Orchestrator
	states   []State
}

func newFixture(t *testing.T, d contracts.Decision) *fixture {
	t.Helper()
	f := &fixture{
		ser:      newCounting(),
		op:       &fakeOperator{result: "RESULT"},
		oracle:   &fakeOracle{decision: d},
		prompter: &fakePrompter{},
		notifier: &fakeNotifier{},
		links:    &fakeLinks{},
	}
	orch, err := New(Deps{
		Serializer:      f.ser,
		Operator:        f.op,
		Oracle:          f.oracle,
		Prompter:        f.prompter,
		Notifier:        f.notifier,
		Links:           f.links,
		PreviewMaxBytes: 16,
		OnState:         func(_ contracts.Request, s State) { f.states = append(f.states, s) },
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) assertReleasedOnce(t *testing.T) {
	t.Helper()
	assert.Equal(t, int32(1), f.ser.acquired.Load())
	assert.Equal(t, int32(1), f.ser.released.Load())
}

func req(typ string, params string) contracts.Request {
	return contracts.Request{Type: typ, Params: json.RawMessage(params), Origin: "example.com"}
}

func marshal(t *testing.T, r contracts.Response) string {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return string(b)
}

func TestHandle_Exempt(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	resp := f.orch.Handle(context.Background(), req(contracts.OpReplaceURL, `{"url":"nostr:npub1x"}`))

	assert.Equal(t, "resolved:nostr:npub1x", resp.Result)
	assert.Equal(t, int32(0), f.ser.acquired.Load())
	assert.Equal(t, int32(0), f.oracle.calls.Load())
	assert.Equal(t, 0, f.op.calls)
	assert.Equal(t, []State{StateStart, StateNoAuthNeeded}, f.states)
}

func TestHandle_ExemptWithoutResolver(t *testing.T) {
	orch, err := New(Deps{Serializer: newCounting(), Operator: &fakeOperator{}, Oracle: &fakeOracle{}, Prompter: &fakePrompter{}})
	require.NoError(t, err)
	resp := orch.Handle(context.Background(), req(contracts.OpReplaceURL, `{"url":"x"}`))
	assert.Equal(t, false, resp.Result)
}

func TestHandle_UnknownType(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	resp := f.orch.Handle(context.Background(), req("getRelays", `{}`))

	assert.Equal(t, "null", marshal(t, resp))
	assert.Equal(t, int32(0), f.ser.acquired.Load())
	assert.Equal(t, int32(0), f.oracle.calls.Load())
	assert.Equal(t, 0, f.op.calls)
}

func TestHandle_PolicyAllow(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))

	assert.Equal(t, "RESULT", resp.Result)
	f.assertReleasedOnce(t)
	assert.Empty(t, f.prompter.prompts)
	assert.Equal(t, []contracts.Decision{contracts.DecisionAllow}, f.notifier.decisions)
	assert.Equal(t, []State{StateStart, StateSerialized, StateOperated, StateOracle, StateAllowed}, f.states)
}

func TestHandle_PolicyDeny(t *testing.T) {
	f := newFixture(t, contracts.DecisionDeny)
	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))

	assert.JSONEq(t, `{"error":{"message":"denied"}}`, marshal(t, resp))
	f.assertReleasedOnce(t)
	assert.Equal(t, []contracts.Decision{contracts.DecisionDeny}, f.notifier.decisions)
}

func TestHandle_HumanAccept(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	f.prompter.accept = true
	resp := f.orch.Handle(context.Background(), req(contracts.OpNip04Encrypt, `{"peer":"p","plaintext":"x"}`))

	assert.Equal(t, "RESULT", resp.Result)
	f.assertReleasedOnce(t)
	require.Len(t, f.prompter.prompts, 1)
	p := f.prompter.prompts[0]
	assert.Equal(t, "example.com", p.Origin)
	assert.Equal(t, contracts.OpNip04Encrypt, p.Type)
	assert.Equal(t, "RESULT", p.Preview)
	assert.NotEmpty(t, p.ID)
	assert.Empty(t, f.notifier.decisions, "human decisions are not notified")
	assert.Equal(t, 1, f.op.calls, "speculative result is computed once")
	assert.Equal(t, StateAccepted, f.states[len(f.states)-1])
}

func TestHandle_HumanReject(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))

	assert.JSONEq(t, `{"error":{"message":"denied"}}`, marshal(t, resp))
	f.assertReleasedOnce(t)
	assert.Equal(t, StateRejected, f.states[len(f.states)-1])
}

func TestHandle_HumanAbandoned(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	f.prompter.err = contracts.ErrAbandoned
	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))

	assert.JSONEq(t, `{"error":{"message":"denied"}}`, marshal(t, resp))
	f.assertReleasedOnce(t)
	assert.Equal(t, StateRejected, f.states[len(f.states)-1])
}

func TestHandle_PromptError(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	f.prompter.err = errors.New("surface exploded")
	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))

	assert.JSONEq(t, `{"error":{"message":"surface exploded"}}`, marshal(t, resp))
	f.assertReleasedOnce(t)
	assert.Equal(t, StateErrored, f.states[len(f.states)-1])
}

func TestHandle_OperationError(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	f.op.err = contracts.ErrInvalidEvent
	resp := f.orch.Handle(context.Background(), req(contracts.OpSignEvent, `{"event":{}}`))

	assert.JSONEq(t, `{"error":{"message":"invalid event"}}`, marshal(t, resp))
	f.assertReleasedOnce(t)
	assert.Equal(t, int32(0), f.oracle.calls.Load())
	assert.NotContains(t, marshal(t, resp), "stack")
}

func TestHandle_PreviewLimit(t *testing.T) {
	f := newFixture(t, contracts.DecisionUnknown)
	f.op.result = strings.Repeat("x", 17)
	f.orch.Handle(context.Background(), req(contracts.OpNip44Decrypt, `{}`))
	require.Len(t, f.prompter.prompts, 1)
	assert.Empty(t, f.prompter.prompts[0].Preview)

	f.op.result = map[string]string{"not": "a string"}
	f.orch.Handle(context.Background(), req(contracts.OpNip44Decrypt, `{}`))
	assert.Empty(t, f.prompter.prompts[1].Preview)
}

func TestHandle_OracleSeesEventForSignEventOnly(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	f.orch.Handle(context.Background(), req(contracts.OpSignEvent, `{"event":{"kind":7,"content":"+"}}`))
	require.NotNil(t, f.oracle.event)
	assert.Equal(t, 7, f.oracle.event.Kind)

	f.orch.Handle(context.Background(), req(contracts.OpNip04Encrypt, `{"event":{"kind":7}}`))
	assert.Nil(t, f.oracle.event)
}

func TestHandle_MissingKeyDetour(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	f.op.errs = []error{contracts.ErrMissingKey}
	f.prompter.setupOK = true

	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))
	assert.Equal(t, "RESULT", resp.Result)
	assert.Equal(t, 1, f.prompter.setups)
	assert.Equal(t, 2, f.op.calls)
	f.assertReleasedOnce(t)
}

func TestHandle_MissingKeyNotConfigured(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	f.op.err = contracts.ErrMissingKey

	resp := f.orch.Handle(context.Background(), req(contracts.OpGetPublicKey, `{}`))
	assert.JSONEq(t, `{"error":{"message":"no private key found"}}`, marshal(t, resp))
	assert.Equal(t, 1, f.prompter.setups)
	assert.Equal(t, 1, f.op.calls)
	f.assertReleasedOnce(t)
}

func TestHandle_AcquireCancelled(t *testing.T) {
	f := newFixture(t, contracts.DecisionAllow)
	hold, err := f.ser.inner.Acquire(context.Background())
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := f.orch.Handle(ctx, req(contracts.OpGetPublicKey, `{}`))
	assert.True(t, resp.Failed())
	assert.Equal(t, int32(0), f.ser.acquired.Load())
	assert.Equal(t, 0, f.op.calls)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
