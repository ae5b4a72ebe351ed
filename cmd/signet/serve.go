package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/signet/pkg/api"
	"github.com/Mindburn-Labs/signet/pkg/linkresolver"
	"github.com/Mindburn-Labs/signet/pkg/notify"
	"github.com/Mindburn-Labs/signet/pkg/observability"
	"github.com/Mindburn-Labs/signet/pkg/orchestrator"
	"github.com/Mindburn-Labs/signet/pkg/policy"
	"github.com/Mindburn-Labs/signet/pkg/prompt"
	"github.com/Mindburn-Labs/signet/pkg/serializer"
	"github.com/Mindburn-Labs/signet/pkg/signer"
	"github.com/Mindburn-Labs/signet/pkg/window"
)

const derivationCacheSize = 100

// surfaceOpener is a window.Opener that can also report surface state.
type surfaceOpener interface {
	window.Opener
	api.Surfaces
}

// gateway is the fully wired daemon.
type gateway struct {
	*local
	opener    surfaceOpener
	prompts   *prompt.Controller
	notifier  *notify.Dispatcher
	telemetry *observability.Provider
	limiter   *api.RateLimiter
	handler   http.Handler
	logger    *slog.Logger
}

func newGateway(ctx context.Context, l *local) (*gateway, error) {
	cfg := l.cfg
	g := &gateway{local: l, logger: slog.Default().With("component", "signet")}

	switch cfg.Prompt.Opener {
	case "headless":
		g.opener = &window.Headless{}
	default:
		g.opener = window.NewBrowser()
	}

	telemetry, err := observability.New(ctx, &cfg.Observability)
	if err != nil {
		return nil, err
	}
	g.telemetry = telemetry

	matcher, err := policy.NewMatcher()
	if err != nil {
		return nil, err
	}
	policies := policy.NewStore(l.kv, policy.WithMatcher(matcher))

	operator, err := signer.New(l.keys, derivationCacheSize)
	if err != nil {
		return nil, err
	}

	g.prompts, err = prompt.New(prompt.Options{
		Opener:     g.opener,
		Keys:       l.keys,
		Policies:   policies,
		BaseURL:    cfg.BaseURL,
		Geometry:   window.Center(cfg.Prompt.ScreenWidth, cfg.Prompt.ScreenHeight, cfg.Prompt.Width, cfg.Prompt.Height),
		RetryDelay: cfg.Prompt.RetryDelay,
		TokenTTL:   cfg.Prompt.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	g.notifier = notify.NewDispatcher(notify.LogNotifier{Logger: g.logger}, l.kv, cfg.Notifications.PerMinute)

	orch, err := orchestrator.New(orchestrator.Deps{
		Serializer:      serializer.New(),
		Operator:        operator,
		Oracle:          policies,
		Prompter:        g.prompts,
		Notifier:        g.notifier,
		Links:           linkresolver.New(l.kv),
		Telemetry:       telemetry,
		PreviewMaxBytes: cfg.Prompt.PreviewMaxBytes,
	})
	if err != nil {
		return nil, err
	}

	g.limiter = api.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.Burst)
	srv, err := api.NewServer(api.Options{
		Handler:     orch,
		Prompts:     g.prompts,
		Surfaces:    g.opener,
		Policies:    policies,
		Limiter:     g.limiter,
		CORSOrigins: cfg.HTTP.CORSOrigins,

		ManagementToken: cfg.HTTP.ManagementToken,
	})
	if err != nil {
		return nil, err
	}
	g.handler = srv.Routes()
	return g, nil
}

// Close waits for queued notifications and releases resources.
func (g *gateway) Close(ctx context.Context) error {
	g.limiter.Stop()
	g.notifier.Wait()
	err := g.telemetry.Shutdown(ctx)
	return errors.Join(err, g.local.Close())
}

// signalContext is replaced in tests.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("signet serve", stderr)
	listen := fs.String("listen", "", "override the listen address")
	if code, ok := parse(fs, args); !ok {
		return code
	}

	l, err := openLocal(*cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *listen != "" {
		l.cfg.Listen = *listen
	}

	ctx, stop := signalContext()
	defer stop()

	g, err := newGateway(ctx, l)
	if err != nil {
		_ = l.Close()
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := g.serve(ctx, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (g *gateway) serve(ctx context.Context, stdout io.Writer) error {
	server := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	_, _ = fmt.Fprintf(stdout, "signet listening on %s (surfaces at %s)\n", g.cfg.Listen, g.cfg.BaseURL)
	if !g.keys.HasKey(ctx) {
		g.logger.Warn("no secret key configured; the first request will open key setup")
	}

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		g.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("http shutdown", "error", err)
	}
	return errors.Join(serveErr, g.Close(shutdownCtx))
}
