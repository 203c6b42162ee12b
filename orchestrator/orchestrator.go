// Package orchestrator starts and stops the service providers in a
// declared order, rolling back on failure and handling process
// shutdown signals.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
)

// Provider is one managed service.
type Provider interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

const stopTimeout = 10 * time.Second

// Orchestrator owns the provider set and their lifecycle.
type Orchestrator struct {
	mu        sync.Mutex
	providers map[string]Provider
	started   []Provider
	shutdown  chan struct{}
	once      sync.Once
	log       *logrus.Entry
}

func New() *Orchestrator {
	return &Orchestrator{
		providers: make(map[string]Provider),
		shutdown:  make(chan struct{}),
		log:       common.ServiceLogger("orchestrator"),
	}
}

// Register adds a provider. Registration order does not matter; Start
// takes the order explicitly.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[p.Name()] = p
}

// Start brings providers up in the given order. On any failure the
// already-started prefix is stopped in reverse and the error returned.
func (o *Orchestrator) Start(ctx context.Context, order []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range order {
		p, ok := o.providers[name]
		if !ok {
			o.stopLocked(ctx)
			return fmt.Errorf("unknown provider %q", name)
		}
		o.log.WithField("provider", name).Info("starting provider")
		if err := p.Start(ctx); err != nil {
			o.log.WithField("provider", name).WithError(err).Error("provider failed to start")
			o.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", name, err)
		}
		o.started = append(o.started, p)
	}
	return nil
}

// Stop stops started providers in reverse order with a per-provider
// timeout.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked(ctx)
}

func (o *Orchestrator) stopLocked(ctx context.Context) error {
	var firstErr error
	for i := len(o.started) - 1; i >= 0; i-- {
		p := o.started[i]
		o.log.WithField("provider", p.Name()).Info("stopping provider")
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := p.Stop(stopCtx); err != nil {
			o.log.WithField("provider", p.Name()).WithError(err).Warn("provider stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", p.Name(), err)
			}
		}
		cancel()
	}
	o.started = nil
	return firstErr
}

// Shutdown releases WaitForShutdown. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.once.Do(func() { close(o.shutdown) })
}

// WaitForShutdown blocks until SIGINT/SIGTERM, an explicit Shutdown
// call, or context cancellation.
func (o *Orchestrator) WaitForShutdown(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case s := <-sig:
		o.log.WithField("signal", s.String()).Info("shutdown signal received")
	case <-o.shutdown:
		o.log.Info("shutdown requested")
	case <-ctx.Done():
	}
}

// HealthSnapshot probes every started provider.
func (o *Orchestrator) HealthSnapshot(ctx context.Context) map[string]error {
	o.mu.Lock()
	started := make([]Provider, len(o.started))
	copy(started, o.started)
	o.mu.Unlock()

	out := make(map[string]error, len(started))
	for _, p := range started {
		out[p.Name()] = p.Health(ctx)
	}
	return out
}
