package window

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenter(t *testing.T) {
	g := Center(1920, 1080, 440, 420)
	assert.Equal(t, Geometry{Width: 440, Height: 420, Top: 330, Left: 740}, g)
	assert.Equal(t, 0, Center(100, 100, 440, 420).Top)
}

func TestHeadless_Lifecycle(t *testing.T) {
	var created []Surface
	h := &Headless{OnCreate: func(s Surface) { created = append(created, s) }}
	ctx := context.Background()

	handle, err := h.Create(ctx, "http://127.0.0.1:7447/prompt?id=1", Geometry{Width: 440})
	require.NoError(t, err)
	require.Len(t, created, 1)

	u, err := url.Parse(created[0].URL)
	require.NoError(t, err)
	assert.Equal(t, string(handle), u.Query().Get("handle"))
	assert.Equal(t, "1", u.Query().Get("id"))
	assert.Equal(t, 1, h.OpenCount())

	require.NoError(t, h.Close(ctx, handle))
	s, ok := h.Lookup(handle)
	require.True(t, ok)
	assert.False(t, s.Open)
	assert.Equal(t, 0, h.OpenCount())

	assert.ErrorIs(t, h.Close(ctx, "missing"), ErrUnknownHandle)
}

func TestHeadless_Fail(t *testing.T) {
	h := &Headless{Fail: errors.New("no display")}
	_, err := h.Create(context.Background(), "http://x", Geometry{})
	assert.Error(t, err)
	assert.Empty(t, h.Surfaces())
}

func TestBrowser_OpenFailureMarksClosed(t *testing.T) {
	var opened []string
	b := NewBrowser()
	b.open = func(u string) error { opened = append(opened, u); return nil }

	handle, err := b.Create(context.Background(), "http://x/prompt", Geometry{})
	require.NoError(t, err)
	require.Len(t, opened, 1)
	s, ok := b.Lookup(handle)
	require.True(t, ok)
	assert.True(t, s.Open)
	require.NoError(t, b.Close(context.Background(), handle))

	b.open = func(string) error { return errors.New("no browser") }
	_, err = b.Create(context.Background(), "http://x/prompt", Geometry{})
	assert.Error(t, err)
}
