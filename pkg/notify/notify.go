// Package notify tells the human about decisions made silently by stored
// policies. Delivery is best effort: it is gated by the "notifications"
// setting, rate limited, and never blocks the orchestrator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/store"
)

// Notifier delivers a single notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification at info level.
func (n LogNotifier) Notify(_ context.Context, title, body string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notification", "title", title, "body", body)
	return nil
}

// Dispatcher formats decision notifications and hands them to a Notifier on
// a background goroutine.
type Dispatcher struct {
	notifier Notifier
	kv       store.KV
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher allowing perMinute notifications with a
// burst of the same size. perMinute <= 0 disables limiting.
func NewDispatcher(n Notifier, kv store.KV, perMinute int) *Dispatcher {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Dispatcher{
		notifier: n,
		kv:       kv,
		limiter:  lim,
		timeout:  5 * time.Second,
		logger:   slog.Default().With("component", "notify"),
	}
}

// Decision reports a policy-driven allow or deny. It returns immediately.
func (d *Dispatcher) Decision(origin, opType string, decision contracts.Decision) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		enabled, err := store.GetBool(ctx, d.kv, store.KeyNotifications, true)
		if err != nil {
			d.logger.Warn("read notifications setting", "error", err)
		}
		if !enabled {
			return
		}
		if !d.limiter.Allow() {
			d.logger.Debug("notification dropped by rate limit", "origin", origin, "type", opType)
			return
		}
		title, body := Format(origin, opType, decision)
		if err := d.notifier.Notify(ctx, title, body); err != nil {
			d.logger.Warn("notification failed", "error", err)
		}
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Format renders the title and body for a decision.
func Format(origin, opType string, decision contracts.Decision) (string, string) {
	verb := "allowed"
	if decision == contracts.DecisionDeny {
		verb = "denied"
	}
	title := fmt.Sprintf("%s %s", verb, origin)
	body := fmt.Sprintf("%s %s to %s", verb, origin, contracts.DescribeOperation(opType))
	return title, body
}
