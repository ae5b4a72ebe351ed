// Package window is the windowing collaborator: it opens and closes the
// confirmation and key-setup surfaces the human interacts with.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/browser"
)

// Handle identifies an open surface.
type Handle string

// Geometry is the requested size and position of a surface.
type Geometry struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	Top    int `json:"top" yaml:"top"`
	Left   int `json:"left" yaml:"left"`
}

// Center places a w x h surface in the middle of a screen.
func Center(screenW, screenH, w, h int) Geometry {
	return Geometry{Width: w, Height: h, Top: max(0, (screenH-h)/2), Left: max(0, (screenW-w)/2)}
}

// ErrUnknownHandle is returned when closing a surface that is not open.
var ErrUnknownHandle = errors.New("unknown surface")

// Opener creates and destroys surfaces.
type Opener interface {
	Create(ctx context.Context, target string, g Geometry) (Handle, error)
	Close(ctx context.Context, h Handle) error
}

// Surface is a recorded surface.
type Surface struct {
	Handle   Handle
	URL      string
	Geometry Geometry
	Open     bool
}

// registry tracks surface lifecycles for both openers.
type registry struct {
	mu       sync.Mutex
	surfaces map[Handle]*Surface
	order    []Handle
}

func (r *registry) add(target string, g Geometry) (*Surface, error) {
	h := Handle(uuid.NewString())
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("surface url: %w", err)
	}
	q := u.Query()
	q.Set("handle", string(h))
	u.RawQuery = q.Encode()

	s := &Surface{Handle: h, URL: u.String(), Geometry: g, Open: true}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surfaces == nil {
		r.surfaces = make(map[Handle]*Surface)
	}
	r.surfaces[h] = s
	r.order = append(r.order, h)
	return s, nil
}

func (r *registry) close(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[h]
	if !ok {
		return ErrUnknownHandle
	}
	s.Open = false
	return nil
}

func (r *registry) get(h Handle) (Surface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[h]
	if !ok {
		return Surface{}, false
	}
	return *s, true
}

// Browser opens surfaces in the system browser. Browsers cannot be closed
// remotely, so Close only marks the surface closed; the surface page polls
// its status and closes itself.
type Browser struct {
	reg    registry
	open   func(string) error
	logger *slog.Logger
}

// NewBrowser creates a browser opener.
func NewBrowser() *Browser {
	return &Browser{
		open:   browser.OpenURL,
		logger: slog.Default().With("component", "window"),
	}
}

// Create registers a surface and opens its URL in the default browser.
func (b *Browser) Create(_ context.Context, target string, g Geometry) (Handle, error) {
	s, err := b.reg.add(target, g)
	if err != nil {
		return "", err
	}
	if err := b.open(s.URL); err != nil {
		_ = b.reg.close(s.Handle)
		return "", fmt.Errorf("open browser: %w", err)
	}
	b.logger.Debug("surface opened", "handle", s.Handle)
	return s.Handle, nil
}

// Close marks the surface closed.
func (b *Browser) Close(_ context.Context, h Handle) error {
	return b.reg.close(h)
}

// Lookup returns the surface for h.
func (b *Browser) Lookup(h Handle) (Surface, bool) {
	return b.reg.get(h)
}

// Headless records surfaces without displaying anything. OnCreate, when set,
// is called after each surface is recorded.
type Headless struct {
	reg      registry
	OnCreate func(Surface)
	// Fail makes Create return this error.
	Fail error
}

// Create records a surface.
func (h *Headless) Create(_ context.Context, target string, g Geometry) (Handle, error) {
	if h.Fail != nil {
		return "", h.Fail
	}
	s, err := h.reg.add(target, g)
	if err != nil {
		return "", err
	}
	if h.OnCreate != nil {
		h.OnCreate(*s)
	}
	return s.Handle, nil
}

// Close marks the surface closed.
func (h *Headless) Close(_ context.Context, handle Handle) error {
	return h.reg.close(handle)
}

// Lookup returns the surface for handle.
func (h *Headless) Lookup(handle Handle) (Surface, bool) {
	return h.reg.get(handle)
}

// Surfaces returns every surface in creation order.
func (h *Headless) Surfaces() []Surface {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	out := make([]Surface, 0, len(h.reg.order))
	for _, handle := range h.reg.order {
		out = append(out, *h.reg.surfaces[handle])
	}
	return out
}

// OpenCount reports how many surfaces are currently open.
func (h *Headless) OpenCount() int {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	n := 0
	for _, s := range h.reg.surfaces {
		if s.Open {
			n++
		}
	}
	return n
}
