package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/store"
)

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (brokenKV) Set(context.Context, string, []byte) error    { return errors.New("disk gone") }
func (brokenKV) Remove(context.Context, string) error         { return errors.New("disk gone") }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewStore(store.NewMemoryKV(), WithClock(func() time.Time { return fixed }))
}

func kinds(k ...int) *contracts.Conditions {
	c := &contracts.Conditions{Kinds: map[int]bool{}}
	for _, v := range k {
		c.Kinds[v] = true
	}
	return c
}

func TestGetPermissionStatus_NoPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, nil))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "", contracts.OpSignEvent, nil))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", "", nil))
}

func TestGetPermissionStatus_KindsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, kinds(1)))

	assert.Equal(t, contracts.DecisionAllow, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 2}))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, nil))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "other.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
}

func TestGetPermissionStatus_AllowWinsOverDeny(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpGetPublicKey, false, nil))
	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpGetPublicKey, true, nil))

	assert.Equal(t, contracts.DecisionAllow, s.GetPermissionStatus(ctx, "example.com", contracts.OpGetPublicKey, nil))
}

func TestGetPermissionStatus_DenyWhenAllowDoesNotMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, kinds(1)))
	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, false, nil))

	assert.Equal(t, contracts.DecisionAllow, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
	assert.Equal(t, contracts.DecisionDeny, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 4}))
}

func TestRemovePermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpNip04Encrypt, true, nil))
	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpGetPublicKey, true, nil))
	require.NoError(t, s.RemovePermissions(ctx, "example.com", contracts.OutcomeAllow, contracts.OpNip04Encrypt))

	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpNip04Encrypt, nil))
	assert.Equal(t, contracts.DecisionAllow, s.GetPermissionStatus(ctx, "example.com", contracts.OpGetPublicKey, nil))

	require.NoError(t, s.RemovePermissions(ctx, "example.com", contracts.OutcomeAllow, contracts.OpGetPublicKey))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpGetPublicKey, nil))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Removing again is a no-op.
	require.NoError(t, s.RemovePermissions(ctx, "example.com", contracts.OutcomeAllow, contracts.OpGetPublicKey))
}

func TestUpdatePermission_ReplacesTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, kinds(1)))
	require.NoError(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, kinds(7)))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, map[int]bool{7: true}, entries[0].Conditions.Kinds)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), entries[0].Created())
}

func TestUpdatePermission_RejectsBadExpression(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdatePermission(context.Background(), "example.com", contracts.OpSignEvent, true,
		&contracts.Conditions{Expr: "event.kind =="})
	assert.Error(t, err)
}

func TestList_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePermission(ctx, "b.com", contracts.OpSignEvent, false, nil))
	require.NoError(t, s.UpdatePermission(ctx, "a.com", contracts.OpSignEvent, false, nil))
	require.NoError(t, s.UpdatePermission(ctx, "a.com", contracts.OpSignEvent, true, nil))
	require.NoError(t, s.UpdatePermission(ctx, "a.com", contracts.OpGetPublicKey, true, nil))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "a.com", entries[0].Origin)
	assert.Equal(t, contracts.OpGetPublicKey, entries[0].Type)
	assert.Equal(t, contracts.OutcomeAllow, entries[1].Outcome)
	assert.Equal(t, contracts.OutcomeDeny, entries[2].Outcome)
	assert.Equal(t, "b.com", entries[3].Origin)
}

func TestStorageFailure(t *testing.T) {
	s := NewStore(brokenKV{})
	ctx := context.Background()

	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, nil))
	assert.Error(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, nil))
	_, err := s.List(ctx)
	assert.Error(t, err)
}

func TestGetPermissionStatus_ReadsLegacyDocument(t *testing.T) {
	kv := store.NewMemoryKV()
	legacy := `{"example.com":{"true":{"signEvent":{"conditions":{"kinds":{"1":true,"6":false}},"created_at":1700000000}},"false":{"nip04.decrypt":{"conditions":{},"created_at":1700000000}}}}`
	require.NoError(t, kv.Set(context.Background(), store.KeyPolicies, []byte(legacy)))
	s := NewStore(kv)
	ctx := context.Background()

	assert.Equal(t, contracts.DecisionAllow, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 6}))
	assert.Equal(t, contracts.DecisionDeny, s.GetPermissionStatus(ctx, "example.com", contracts.OpNip04Decrypt, nil))
}

func TestUpdatePermission_FailedWriteGrantsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	kv, err := store.NewFileKV(path, store.Defaults)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(path+".tmp", 0o700))
	s := NewStore(kv)
	ctx := context.Background()

	assert.Error(t, s.UpdatePermission(ctx, "example.com", contracts.OpSignEvent, true, nil))
	assert.Equal(t, contracts.DecisionUnknown, s.GetPermissionStatus(ctx, "example.com", contracts.OpSignEvent, &nostr.Event{Kind: 1}))
}
