package orchestrator

import (
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/keystore"
	"github.com/Mindburn-Labs/signet/pkg/policy"
	"github.com/Mindburn-Labs/signet/pkg/prompt"
	"github.com/Mindburn-Labs/signet/pkg/signer"
	"github.com/Mindburn-Labs/signet/pkg/store"
	"github.com/Mindburn-Labs/signet/pkg/window"
)

type stack struct {
	orch     *Orchestrator
	ctrl     *prompt.Controller
	policies *policy.Store
	keys     *keystore.Keystore
	win      *window.Headless
	ser      *countingSerializer
	surfaces chan window.Surface
	maxOpen  atomic.Int32
}

func newStack(t *testing.T, withKey bool) *stack {
	t.Helper()
	kv := store.NewMemoryKV()
	s := &stack{
		policies: policy.NewStore(kv),
		keys:     keystore.New(kv, nil),
		ser:      newCounting(),
		surfaces: make(chan window.Surface, 8),
	}
	if withKey {
		_, err := s.keys.Generate(context.Background())
		require.NoError(t, err)
	}
	s.win = &window.Headless{OnCreate: func(sf window.Surface) {
		if n := int32(s.win.OpenCount()); n > s.maxOpen.Load() {
			s.maxOpen.Store(n)
		}
		s.surfaces <- sf
	}}

	ctrl, err := prompt.New(prompt.Options{
		Opener:   s.win,
		Keys:     s.keys,
		Policies: s.policies,
		BaseURL:  "http://127.0.0.1:7447",
	})
	require.NoError(t, err)
	s.ctrl = ctrl

	op, err := signer.New(s.keys, 0)
	require.NoError(t, err)
	s.orch, err = New(Deps{
		Serializer: s.ser,
		Operator:   op,
		Oracle:     s.policies,
		Prompter:   ctrl,
	})
	require.NoError(t, err)
	return s
}

func (s *stack) nextSurface(t *testing.T) (window.Surface, string) {
	t.Helper()
	select {
	case sf := <-s.surfaces:
		u, err := url.Parse(sf.URL)
		require.NoError(t, err)
		return sf, u.Query().Get("token")
	case <-time.After(2 * time.Second):
		t.Fatal("no surface opened")
		return window.Surface{}, ""
	}
}

func (s *stack) handleAsync(r contracts.Request) <-chan contracts.Response {
	out := make(chan contracts.Response, 1)
	go func() { out <- s.orch.Handle(context.Background(), r) }()
	return out
}

func awaitResponse(t *testing.T, ch <-chan contracts.Response) contracts.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
		return contracts.Response{}
	}
}

func signReq() contracts.Request {
	return contracts.Request{
		Type:   contracts.OpSignEvent,
		Origin: "example.com",
		Params: json.RawMessage(`{"event":{"kind":1,"content":"hello","created_at":1700000000,"tags":[]}}`),
	}
}

func TestIntegration_BackToBackRequestsNeverShareSurfaces(t *testing.T) {
	s := newStack(t, true)
	first := s.handleAsync(signReq())
	_, tok1 := s.nextSurface(t)

	second := s.handleAsync(signReq())
	select {
	case <-s.surfaces:
		t.Fatal("second surface opened while the first decision was pending")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.ctrl.Respond(context.Background(), contracts.PromptResponse{Token: tok1, Accept: true}))
	r1 := awaitResponse(t, first)
	require.False(t, r1.Failed())
	evt, ok := r1.Result.(nostr.Event)
	require.True(t, ok)
	valid, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)

	_, tok2 := s.nextSurface(t)
	require.NoError(t, s.ctrl.Respond(context.Background(), contracts.PromptResponse{Token: tok2, Accept: false}))
	r2 := awaitResponse(t, second)
	assert.True(t, r2.Failed())
	assert.Equal(t, "denied", r2.Error.Message)

	assert.Equal(t, int32(1), s.maxOpen.Load())
	assert.Equal(t, int32(2), s.ser.released.Load())
}

func TestIntegration_RememberedAnswerAppliesToQueuedRequest(t *testing.T) {
	s := newStack(t, true)
	first := s.handleAsync(signReq())
	_, tok := s.nextSurface(t)
	second := s.handleAsync(signReq())

	require.NoError(t, s.ctrl.Respond(context.Background(), contracts.PromptResponse{
		Token:      tok,
		Accept:     true,
		Conditions: &contracts.Conditions{Kinds: map[int]bool{1: true}},
	}))
	assert.False(t, awaitResponse(t, first).Failed())
	assert.False(t, awaitResponse(t, second).Failed(), "second request is allowed by the stored policy")

	select {
	case <-s.surfaces:
		t.Fatal("no surface expected for the second request")
	default:
	}
	assert.Equal(t, contracts.DecisionAllow,
		s.policies.GetPermissionStatus(context.Background(), "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
}

func TestIntegration_AbandonmentReleases(t *testing.T) {
	s := newStack(t, true)
	pending := s.handleAsync(signReq())
	sf, _ := s.nextSurface(t)

	require.True(t, s.ctrl.SurfaceClosed(sf.Handle))
	r := awaitResponse(t, pending)
	assert.Equal(t, "denied", r.Error.Message)
	assert.Equal(t, int32(1), s.ser.released.Load())

	// The token is free again.
	allowReq := contracts.Request{Type: contracts.OpGetPublicKey, Origin: "trusted.example"}
	require.NoError(t, s.policies.UpdatePermission(context.Background(), "trusted.example", contracts.OpGetPublicKey, true, nil))
	r = s.orch.Handle(context.Background(), allowReq)
	assert.False(t, r.Failed())
}

func TestIntegration_KeySetupThenSign(t *testing.T) {
	s := newStack(t, false)
	pending := s.handleAsync(contracts.Request{Type: contracts.OpGetPublicKey, Origin: "example.com"})

	signup, tok := s.nextSurface(t)
	assert.Contains(t, signup.URL, "/signup?")
	pub, err := s.ctrl.CompleteKeySetup(context.Background(), tok, nostr.GeneratePrivateKey())
	require.NoError(t, err)

	_, confirm := s.nextSurface(t)
	require.NoError(t, s.ctrl.Respond(context.Background(), contracts.PromptResponse{Token: confirm, Accept: true}))
	r := awaitResponse(t, pending)
	require.False(t, r.Failed())
	assert.Equal(t, pub, r.Result)
}
