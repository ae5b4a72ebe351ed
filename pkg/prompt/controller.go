// Package prompt owns the confirmation surface: the one place where a human
// approves or denies a request, and the key-setup detour taken when no secret
// key is configured yet.
//
// At most one decision is pending at a time. Opening a new confirmation while
// one is pending closes the old surface and resolves its decision as denied.
// Every surface is given a signed token bound to its request id and a digest
// of the request params; answers carrying any other token are rejected.
package prompt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/window"
)

var (
	ErrInvalidToken  = errors.New("invalid surface token")
	ErrStaleToken    = errors.New("surface token does not match the pending decision")
	ErrNothingActive = errors.New("no pending decision")
)

// Keys is the part of the keystore the controller needs.
type Keys interface {
	HasKey(ctx context.Context) bool
	Import(ctx context.Context, key string) (string, error)
}

// PolicyWriter records the human's answer as a reusable policy.
type PolicyWriter interface {
	UpdatePermission(ctx context.Context, origin, opType string, accept bool, conditions *contracts.Conditions) error
}

// Options configures a Controller.
type Options struct {
	Opener   window.Opener
	Keys     Keys
	Policies PolicyWriter
	// BaseURL is where surface pages are served, e.g. http://127.0.0.1:7447.
	BaseURL    string
	Geometry   window.Geometry
	RetryDelay time.Duration
	// TokenTTL bounds surface token lifetime. Zero issues tokens without
	// an expiry, so a confirmation can wait on the human indefinitely.
	TokenTTL time.Duration
	// SigningKey signs surface tokens. A random key is used when empty.
	SigningKey []byte
	Logger     *slog.Logger
	Clock      func() time.Time
}

type decision struct {
	accept bool
	err    error
}

type pending struct {
	prompt contracts.Prompt
	jti    string
	digest string
	handle window.Handle
	result chan decision
	once   sync.Once
}

func (p *pending) resolve(d decision) {
	p.once.Do(func() { p.result <- d })
}

type setup struct {
	jti    string
	handle window.Handle
	done   chan struct{}
	once   sync.Once
}

func (s *setup) finish() {
	s.once.Do(func() { close(s.done) })
}

// Controller is the confirmation surface controller.
type Controller struct {
	opener     window.Opener
	keys       Keys
	policies   PolicyWriter
	baseURL    string
	geometry   window.Geometry
	retryDelay time.Duration
	tokenTTL   time.Duration
	signingKey []byte
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	current *pending
	setup   *setup
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Opener == nil || opts.Keys == nil {
		return nil, errors.New("prompt: opener and keys are required")
	}
	c := &Controller{
		opener:     opts.Opener,
		keys:       opts.Keys,
		policies:   opts.Policies,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		geometry:   opts.Geometry,
		retryDelay: opts.RetryDelay,
		tokenTTL:   opts.TokenTTL,
		signingKey: opts.SigningKey,
		logger:     opts.Logger,
		clock:      opts.Clock,
	}
	if len(c.signingKey) == 0 {
		c.signingKey = make([]byte, 32)
		if _, err := rand.Read(c.signingKey); err != nil {
			return nil, fmt.Errorf("prompt: signing key: %w", err)
		}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "prompt")
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Open shows p to the human and blocks until it is answered, abandoned or
// superseded, or ctx ends. Only an explicit accept returns true.
func (c *Controller) Open(ctx context.Context, p contracts.Prompt) (bool, error) {
	if !c.keys.HasKey(ctx) {
		ok, err := c.SetupKey(ctx)
		if err != nil || !ok {
			return false, err
		}
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return c.Open(ctx, p)
	}

	pd, token, err := c.begin(p)
	if err != nil {
		return false, err
	}

	handle, err := c.opener.Create(ctx, c.promptURL(p, token), c.geometry)
	if err != nil {
		c.mu.Lock()
		if c.current == pd {
			c.current = nil
		}
		c.mu.Unlock()
		return false, fmt.Errorf("open confirmation surface: %w", err)
	}
	c.attach(pd, handle)

	select {
	case d := <-pd.result:
		return d.accept, d.err
	case <-ctx.Done():
		c.mu.Lock()
		h := c.detach(pd)
		c.mu.Unlock()
		c.closeSurface(h)
		pd.resolve(decision{err: ctx.Err()})
		d := <-pd.result
		return d.accept, d.err
	}
}

// begin installs a new pending decision, superseding any previous one.
func (c *Controller) begin(p contracts.Prompt) (*pending, string, error) {
	digest, err := ParamsDigest(p.Params)
	if err != nil {
		return nil, "", err
	}
	pd := &pending{
		prompt: p,
		jti:    uuid.NewString(),
		digest: digest,
		result: make(chan decision, 1),
	}
	token, err := c.sign(surfaceClaims{
		RegisteredClaims: jwtClaims(pd.jti, p.ID),
		Purpose:          purposeConfirm,
		Origin:           p.Origin,
		Type:             p.Type,
		Digest:           digest,
	})
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	prev := c.current
	var stale window.Handle
	if prev != nil {
		stale = c.detach(prev)
	}
	c.current = pd
	c.mu.Unlock()
	if prev != nil {
		c.logger.Info("confirmation superseded", "id", prev.prompt.ID, "origin", prev.prompt.Origin)
		c.closeSurface(stale)
		prev.resolve(decision{accept: false})
	}

	c.logger.Info("confirmation opened", "id", p.ID, "origin", p.Origin, "type", p.Type)
	return pd, token, nil
}

// attach records the surface handle, or closes the surface straight away if
// the decision was resolved while the surface was being created.
func (c *Controller) attach(pd *pending, h window.Handle) {
	c.mu.Lock()
	live := c.current == pd
	if live {
		pd.handle = h
	}
	c.mu.Unlock()
	if !live {
		c.closeSurface(h)
	}
}

// detach removes pd from the controller and returns the surface handle the
// caller must close, after releasing c.mu and before resolving pd, so no two
// surfaces are ever open at once. c.mu must be held.
func (c *Controller) detach(pd *pending) window.Handle {
	if c.current == pd {
		c.current = nil
	}
	h := pd.handle
	pd.handle = ""
	return h
}

func (c *Controller) closeSurface(h window.Handle) {
	if h == "" {
		return
	}
	if err := c.opener.Close(context.Background(), h); err != nil && !errors.Is(err, window.ErrUnknownHandle) {
		c.logger.Warn("close surface", "handle", h, "error", err)
	}
}

// Respond applies the human's answer. When conditions are present the policy
// is written before the pending decision resolves, so the next serialized
// request already sees it.
func (c *Controller) Respond(ctx context.Context, resp contracts.PromptResponse) error {
	claims, err := c.parse(resp.Token, purposeConfirm)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pd := c.current
	if pd == nil {
		c.mu.Unlock()
		return ErrNothingActive
	}
	if pd.jti != claims.ID || pd.digest != claims.Digest || pd.prompt.ID != claims.Subject {
		c.mu.Unlock()
		return ErrStaleToken
	}

	var writeErr error
	if resp.Conditions != nil && c.policies != nil {
		writeErr = c.policies.UpdatePermission(ctx, pd.prompt.Origin, pd.prompt.Type, resp.Accept, resp.Conditions)
		if writeErr != nil {
			c.logger.Error("record policy", "origin", pd.prompt.Origin, "type", pd.prompt.Type, "error", writeErr)
		}
	}
	c.logger.Info("confirmation answered", "id", pd.prompt.ID, "accept", resp.Accept, "remember", resp.Conditions != nil)
	h := c.detach(pd)
	c.mu.Unlock()
	c.closeSurface(h)
	pd.resolve(decision{accept: resp.Accept})
	return writeErr
}

// Lookup returns the prompt bound to a confirmation token.
func (c *Controller) Lookup(token string) (contracts.Prompt, error) {
	claims, err := c.parse(token, purposeConfirm)
	if err != nil {
		return contracts.Prompt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return contracts.Prompt{}, ErrNothingActive
	}
	if c.current.jti != claims.ID {
		return contracts.Prompt{}, ErrStaleToken
	}
	return c.current.prompt, nil
}

// SurfaceClosed reports that the surface h went away. A pending confirmation
// on it resolves with contracts.ErrAbandoned; a key-setup surface ends the
// detour. It reports whether h belonged to anything.
func (c *Controller) SurfaceClosed(h window.Handle) bool {
	c.mu.Lock()
	if pd := c.current; pd != nil && pd.handle == h {
		c.logger.Info("confirmation abandoned", "id", pd.prompt.ID)
		stale := c.detach(pd)
		c.mu.Unlock()
		c.closeSurface(stale)
		pd.resolve(decision{err: contracts.ErrAbandoned})
		return true
	}
	if s := c.setup; s != nil && s.handle == h {
		c.setup = nil
		c.mu.Unlock()
		s.finish()
		c.closeSurface(h)
		return true
	}
	c.mu.Unlock()
	return false
}

// Pending reports whether a confirmation is awaiting an answer.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// SetupKey opens the key-setup surface and waits for it to close. It
// reports whether a key is configured afterwards.
func (c *Controller) SetupKey(ctx context.Context) (bool, error) {
	s := &setup{jti: uuid.NewString(), done: make(chan struct{})}
	token, err := c.sign(surfaceClaims{
		RegisteredClaims: jwtClaims(s.jti, ""),
		Purpose:          purposeKeySetup,
	})
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	prev := c.setup
	c.setup = s
	c.mu.Unlock()
	if prev != nil {
		prev.finish()
		c.closeSurface(prev.handle)
	}

	c.logger.Info("key setup opened")
	handle, err := c.opener.Create(ctx, c.baseURL+"/signup?"+url.Values{"token": {token}}.Encode(), c.geometry)
	if err != nil {
		c.mu.Lock()
		if c.setup == s {
			c.setup = nil
		}
		c.mu.Unlock()
		return false, fmt.Errorf("open key setup surface: %w", err)
	}
	c.mu.Lock()
	live := c.setup == s
	if live {
		s.handle = handle
	}
	c.mu.Unlock()
	if !live {
		c.closeSurface(handle)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		c.mu.Lock()
		if c.setup == s {
			c.setup = nil
		}
		c.mu.Unlock()
		s.finish()
		c.closeSurface(handle)
		return false, ctx.Err()
	}
	return c.keys.HasKey(ctx), nil
}

// CompleteKeySetup stores the key submitted by the key-setup surface and
// closes it. An invalid key leaves the surface open for another try.
func (c *Controller) CompleteKeySetup(ctx context.Context, token, key string) (string, error) {
	claims, err := c.parse(token, purposeKeySetup)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	s := c.setup
	c.mu.Unlock()
	if s == nil || s.jti != claims.ID {
		return "", ErrStaleToken
	}

	pubkey, err := c.keys.Import(ctx, key)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.setup == s {
		c.setup = nil
	}
	h := s.handle
	c.mu.Unlock()
	s.finish()
	c.closeSurface(h)
	c.logger.Info("key setup completed", "pubkey", pubkey)
	return pubkey, nil
}

func (c *Controller) promptURL(p contracts.Prompt, token string) string {
	q := url.Values{
		"host":   {p.Origin},
		"id":     {p.ID},
		"params": {string(p.Params)},
		"type":   {p.Type},
		"token":  {token},
	}
	if p.Preview != "" {
		q.Set("result", p.Preview)
	}
	return c.baseURL + "/prompt?" + q.Encode()
}
