package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Holder.
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrNotConfigured is returned when the provider is missing credentials.
var ErrNotConfigured = errors.New("incoming email provider is not configured")

// Factory constructs a provider. A nil provider with a nil error means
// incoming email is disabled.
type Factory func() (IncomingEmailProvider, error)

// Holder owns the process-wide provider instance. The first call to Provider
// builds and initializes it; a failure is remembered and not retried until
// Reset is called. Initialization cut short by the caller's context is not
// remembered.
type Holder struct {
	factory Factory

	mu       sync.Mutex
	state    State
	provider IncomingEmailProvider
	err      error
}

// NewHolder creates a holder in the Uninitialized state.
func NewHolder(factory Factory) *Holder {
	return &Holder{factory: factory}
}

// Provider returns the initialized provider. It returns (nil, nil) when
// incoming email is disabled and the stored error once in the Failed state.
func (h *Holder) Provider(ctx context.Context) (IncomingEmailProvider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateConfigured:
		return h.provider, nil
	case StateFailed:
		return nil, h.err
	}

	p, err := h.factory()
	if err != nil {
		return nil, h.fail(fmt.Errorf("failed to create incoming email provider: %w", err))
	}
	if p == nil {
		return nil, nil
	}
	if !p.IsConfigured() {
		return nil, h.fail(fmt.Errorf("%s: %w", p.Name(), ErrNotConfigured))
	}
	if err := p.Initialize(ctx); err != nil {
		err = fmt.Errorf("failed to initialize %s provider: %w", p.Name(), err)
		if ctx.Err() != nil {
			// The caller gave up; the next caller initializes again.
			logrus.Warnf("Incoming email provider initialization interrupted: %v", err)
			return nil, err
		}
		return nil, h.fail(err)
	}

	h.provider = p
	h.state = StateConfigured
	logrus.Infof("Incoming email provider %s initialized", p.Name())
	return p, nil
}

func (h *Holder) fail(err error) error {
	h.state = StateFailed
	h.err = err
	logrus.Errorf("Incoming email provider unavailable: %v", err)
	return err
}

// State returns the current lifecycle state.
func (h *Holder) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Reset tears down the current provider and returns the holder to
// Uninitialized so the next Provider call builds a fresh one.
func (h *Holder) Reset(ctx context.Context) error {
	h.mu.Lock()
	p := h.provider
	h.provider = nil
	h.err = nil
	h.state = StateUninitialized
	h.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to clean up %s provider: %w", p.Name(), err)
	}
	return nil
}
