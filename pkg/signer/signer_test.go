package signer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
)

type staticKey struct {
	mu sync.Mutex
	sk string
}

func (s *staticKey) SecretKey(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sk == "" {
		return "", contracts.ErrMissingKey
	}
	return s.sk, nil
}

func (s *staticKey) set(sk string) {
	s.mu.Lock()
	s.sk = sk
	s.mu.Unlock()
}

func newOperator(t *testing.T, sk string) (*Operator, *staticKey) {
	t.Helper()
	keys := &staticKey{sk: sk}
	op, err := New(keys, 0)
	require.NoError(t, err)
	return op, keys
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestPerform_GetPublicKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	op, _ := newOperator(t, sk)

	got, err := op.Perform(context.Background(), contracts.OpGetPublicKey, json.RawMessage(`{}`))
	require.NoError(t, err)
	want, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, want, got)
}

func TestPerform_MissingKey(t *testing.T) {
	op, _ := newOperator(t, "")
	for _, typ := range []string{contracts.OpGetPublicKey, contracts.OpSignEvent, contracts.OpNip04Encrypt, contracts.OpNip44Decrypt} {
		_, err := op.Perform(context.Background(), typ, nil)
		assert.ErrorIs(t, err, contracts.ErrMissingKey, typ)
	}
}

func TestPerform_SignEvent(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	op, _ := newOperator(t, sk)

	raw := params(t, map[string]any{"event": map[string]any{
		"kind": 1, "content": "hello", "created_at": 1700000000, "tags": [][]string{},
	}})
	got, err := op.Perform(context.Background(), contracts.OpSignEvent, raw)
	require.NoError(t, err)

	evt, ok := got.(nostr.Event)
	require.True(t, ok)
	pk, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, pk, evt.PubKey)
	assert.NotEmpty(t, evt.ID)
	valid, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestPerform_SignEventMissingEvent(t *testing.T) {
	op, _ := newOperator(t, nostr.GeneratePrivateKey())
	_, err := op.Perform(context.Background(), contracts.OpSignEvent, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, contracts.ErrInvalidParams)
}

func TestPerform_Nip04RoundTrip(t *testing.T) {
	alice, bob := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	alicePub, _ := nostr.GetPublicKey(alice)
	bobPub, _ := nostr.GetPublicKey(bob)
	opA, _ := newOperator(t, alice)
	opB, _ := newOperator(t, bob)
	ctx := context.Background()

	ct, err := opA.Perform(ctx, contracts.OpNip04Encrypt, params(t, map[string]string{"peer": bobPub, "plaintext": "hi bob"}))
	require.NoError(t, err)
	pt, err := opB.Perform(ctx, contracts.OpNip04Decrypt, params(t, map[string]string{"peer": alicePub, "ciphertext": ct.(string)}))
	require.NoError(t, err)
	assert.Equal(t, "hi bob", pt)

	n04, _ := opA.CachedPeers()
	assert.Equal(t, 1, n04)
}

func TestPerform_Nip44RoundTrip(t *testing.T) {
	alice, bob := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	alicePub, _ := nostr.GetPublicKey(alice)
	bobPub, _ := nostr.GetPublicKey(bob)
	opA, _ := newOperator(t, alice)
	opB, _ := newOperator(t, bob)
	ctx := context.Background()

	ct, err := opA.Perform(ctx, contracts.OpNip44Encrypt, params(t, map[string]string{"peer": bobPub, "plaintext": "hi bob"}))
	require.NoError(t, err)
	pt, err := opB.Perform(ctx, contracts.OpNip44Decrypt, params(t, map[string]string{"peer": alicePub, "ciphertext": ct.(string)}))
	require.NoError(t, err)
	assert.Equal(t, "hi bob", pt)

	// Keyer surface uses the same cache.
	ct2, err := opB.Encrypt(ctx, "hi alice", alicePub)
	require.NoError(t, err)
	pt2, err := opA.Decrypt(ctx, ct2, bobPub)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", pt2)
}

func TestPerform_KeyChangeClearsCache(t *testing.T) {
	peer, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	op, keys := newOperator(t, nostr.GeneratePrivateKey())
	ctx := context.Background()
	p := params(t, map[string]string{"peer": peer, "plaintext": "x"})

	_, err := op.Perform(ctx, contracts.OpNip44Encrypt, p)
	require.NoError(t, err)
	_, n44 := op.CachedPeers()
	assert.Equal(t, 1, n44)

	other, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	_, err = op.Perform(ctx, contracts.OpNip44Encrypt, params(t, map[string]string{"peer": other, "plaintext": "x"}))
	require.NoError(t, err)
	_, n44 = op.CachedPeers()
	assert.Equal(t, 2, n44)

	keys.set(nostr.GeneratePrivateKey())
	_, err = op.Perform(ctx, contracts.OpNip44Encrypt, p)
	require.NoError(t, err)
	_, n44 = op.CachedPeers()
	assert.Equal(t, 1, n44)
}

func TestPerform_Nip19(t *testing.T) {
	op, _ := newOperator(t, "")
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	ctx := context.Background()

	npub, err := op.Perform(ctx, contracts.OpNpubEncode, params(t, map[string]string{"pubkey": pk}))
	require.NoError(t, err)
	want, _ := nip19.EncodePublicKey(pk)
	assert.Equal(t, want, npub)

	got, err := op.Perform(ctx, contracts.OpNip19Decode, params(t, map[string]string{"code": want}))
	require.NoError(t, err)
	assert.Equal(t, Decoded{Type: "npub", Data: pk}, got)

	_, err = op.Perform(ctx, contracts.OpNip19Decode, params(t, map[string]string{"code": "npub1garbage"}))
	assert.Error(t, err)
}

func TestPerform_InvalidOperation(t *testing.T) {
	op, _ := newOperator(t, nostr.GeneratePrivateKey())
	for _, typ := range []string{"bogus", contracts.OpReplaceURL} {
		_, err := op.Perform(context.Background(), typ, nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidOperation, typ)
	}
}

func TestPerform_BadParams(t *testing.T) {
	op, _ := newOperator(t, nostr.GeneratePrivateKey())
	_, err := op.Perform(context.Background(), contracts.OpNip04Encrypt, json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, contracts.ErrInvalidParams)
}
