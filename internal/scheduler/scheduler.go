package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/metrics"
	"agent-mail-gateway/internal/provider"
)

// Ledger is the dedup ledger's retention side.
type Ledger interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// ProviderSource hands out the current provider, or nil when incoming email
// is disabled.
type ProviderSource interface {
	Provider(ctx context.Context) (provider.IncomingEmailProvider, error)
}

// Setup states reported by Status.
const (
	SetupIdle      = "idle"
	SetupRunning   = "running"
	SetupSucceeded = "succeeded"
	SetupFailed    = "failed"
	SetupSkipped   = "skipped"
)

// Status is a snapshot for the admin API.
type Status struct {
	Running     bool      `json:"running"`
	NextCleanup time.Time `json:"next_cleanup,omitempty"`
	LastCleanup time.Time `json:"last_cleanup,omitempty"`
	NextRenewal time.Time `json:"next_renewal,omitempty"`
	LastRenewal time.Time `json:"last_renewal,omitempty"`
	SetupState  string    `json:"setup_state"`
	SetupError  string    `json:"setup_error,omitempty"`
}

// Scheduler runs the ledger purge and subscription renewal jobs and
// supervises subscription setup at startup.
type Scheduler struct {
	cron         *cron.Cron
	cleanupEntry cron.EntryID
	renewalEntry cron.EntryID
	config       *config.SchedulerConfig
	webhookURL   string
	ledger       Ledger
	providers    ProviderSource
	metrics      *metrics.Metrics
	now          func() time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	isRunning    bool
	setupState   string
	setupErr     error
	mu           sync.RWMutex
}

// New creates a new scheduler. An empty webhookURL disables automatic
// subscription creation; existing subscriptions are still renewed.
func New(cfg *config.SchedulerConfig, webhookURL string, ledger Ledger, providers ProviderSource, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(),
		config:     cfg,
		webhookURL: webhookURL,
		ledger:     ledger,
		providers:  providers,
		metrics:    m,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		setupState: SetupIdle,
	}
}

// Start schedules the periodic jobs and launches subscription setup.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// A stopped scheduler gets a fresh context and cron so restarts work.
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.cron = cron.New()

	cleanupEntry, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", s.config.CleanupIntervalMinutes), s.runCleanup)
	if err != nil {
		return fmt.Errorf("failed to add cleanup job: %w", err)
	}
	renewalEntry, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", s.config.RenewalIntervalMinutes), s.runRenewal)
	if err != nil {
		return fmt.Errorf("failed to add renewal job: %w", err)
	}

	s.cleanupEntry = cleanupEntry
	s.renewalEntry = renewalEntry
	s.cron.Start()
	s.isRunning = true

	s.wg.Add(1)
	go s.superviseSetup(s.ctx)

	logrus.Infof("Scheduler started with cleanup every %d minutes (retention %dh) and renewal every %d minutes",
		s.config.CleanupIntervalMinutes, s.config.RetentionHours, s.config.RenewalIntervalMinutes)
	return nil
}

// Stop stops the scheduler and cancels a setup still in progress.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	c := s.cron
	s.isRunning = false
	s.mu.Unlock()

	// Jobs read the context under the lock, so wait for them unlocked.
	ctx := c.Stop()
	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Wait blocks until the setup goroutine and running jobs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// GetNextRun returns the time of the next scheduled cleanup
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.cleanupEntry).Next
}

// Status reports job timing and the setup outcome.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{Running: s.isRunning, SetupState: s.setupState}
	if s.setupErr != nil {
		st.SetupError = s.setupErr.Error()
	}
	if s.isRunning {
		cleanup := s.cron.Entry(s.cleanupEntry)
		renewal := s.cron.Entry(s.renewalEntry)
		st.NextCleanup, st.LastCleanup = cleanup.Next, cleanup.Prev
		st.NextRenewal, st.LastRenewal = renewal.Next, renewal.Prev
	}
	return st
}

// RunCleanupOnce purges ledger entries older than the retention window.
func (s *Scheduler) RunCleanupOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.config.RetentionHours) * time.Hour)
	purged, err := s.ledger.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.LedgerPurged.Add(float64(purged))
	logrus.Infof("Purged %d processed email records older than %s", purged, cutoff.Format(time.RFC3339))
	return purged, nil
}

// RunRenewalOnce renews the active subscription when it is close to expiry,
// or creates one when none is active and a webhook URL is configured. A
// subscription that cannot be renewed is replaced and then deleted.
func (s *Scheduler) RunRenewalOnce(ctx context.Context) error {
	prov, err := s.providers.Provider(ctx)
	if err != nil {
		return err
	}
	if prov == nil {
		return nil
	}
	subs := prov.Subscriptions()
	if subs == nil {
		return nil
	}

	active, err := subs.GetActiveSubscription(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		_, err := s.createSubscription(ctx, subs)
		return err
	}

	renewBefore := time.Duration(s.config.RenewBeforeHours) * time.Hour
	if active.ExpiresAt.Sub(s.now()) > renewBefore {
		return nil
	}

	expiresAt, err := subs.RenewSubscription(ctx, active.SubscriptionID)
	if err != nil {
		s.metrics.SubscriptionRenewals.WithLabelValues("renew_failed").Inc()
		logrus.WithError(err).WithField("subscription_id", active.SubscriptionID).Warn("Failed to renew subscription")
		if s.webhookURL == "" {
			return err
		}
		return s.replaceSubscription(ctx, subs, active.SubscriptionID)
	}
	s.metrics.SubscriptionRenewals.WithLabelValues("renewed").Inc()
	logrus.Infof("Subscription %s renewed until %s", active.SubscriptionID, expiresAt.Format(time.RFC3339))
	return nil
}

func (s *Scheduler) createSubscription(ctx context.Context, subs provider.SubscriptionManager) (*provider.SubscriptionInfo, error) {
	if s.webhookURL == "" {
		logrus.Debug("No active subscription and no webhook URL configured")
		return nil, nil
	}
	info, err := subs.CreateSubscription(ctx, s.webhookURL)
	if err != nil {
		s.metrics.SubscriptionRenewals.WithLabelValues("create_failed").Inc()
		return nil, err
	}
	s.metrics.SubscriptionRenewals.WithLabelValues("created").Inc()
	logrus.Infof("Subscription %s created, expires %s", info.SubscriptionID, info.ExpiresAt.Format(time.RFC3339))
	return info, nil
}

// replaceSubscription creates a new subscription and only then deletes the
// superseded one, so mail keeps flowing if the create fails. The old
// subscription's notifications would fail client-state validation.
func (s *Scheduler) replaceSubscription(ctx context.Context, subs provider.SubscriptionManager, old string) error {
	info, err := s.createSubscription(ctx, subs)
	if err != nil {
		return err
	}
	if info != nil && info.SubscriptionID == old {
		return nil
	}
	if err := subs.DeleteSubscription(ctx, old); err != nil {
		logrus.WithError(err).WithField("subscription_id", old).Warn("Failed to delete superseded subscription")
		return nil
	}
	logrus.WithField("subscription_id", old).Info("Superseded subscription deleted")
	return nil
}

func (s *Scheduler) runCleanup() {
	s.wg.Add(1)
	defer s.wg.Done()

	if _, err := s.RunCleanupOnce(s.context()); err != nil {
		logrus.Errorf("Processed email cleanup failed: %v", err)
	}
}

func (s *Scheduler) runRenewal() {
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.RunRenewalOnce(s.context()); err != nil {
		logrus.Errorf("Subscription renewal failed: %v", err)
	}
}

// superviseSetup ensures a subscription exists at startup. Only webhook
// validation failures are retried, with capped exponential backoff; the
// webhook route may not be reachable yet when the process starts.
func (s *Scheduler) superviseSetup(ctx context.Context) {
	defer s.wg.Done()

	if s.webhookURL == "" {
		s.setSetup(SetupSkipped, nil)
		return
	}
	s.setSetup(SetupRunning, nil)

	err := s.setupWithRetry(ctx)
	switch {
	case err == nil:
		s.setSetup(SetupSucceeded, nil)
	case errors.Is(err, context.Canceled):
		s.setSetup(SetupIdle, nil)
		logrus.Info("Subscription setup cancelled")
	default:
		s.setSetup(SetupFailed, err)
		logrus.Errorf("Subscription setup failed: %v", err)
	}
}

func (s *Scheduler) setupWithRetry(ctx context.Context) error {
	maxAttempts := s.config.SetupMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := s.config.SetupInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.RunRenewalOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, provider.ErrWebhookNotReady) || attempt == maxAttempts {
			return err
		}

		logrus.Warnf("Webhook not ready for subscription validation (attempt %d/%d), retrying in %v", attempt, maxAttempts, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if s.config.SetupMaxBackoff > 0 && backoff > s.config.SetupMaxBackoff {
			backoff = s.config.SetupMaxBackoff
		}
	}
	return lastErr
}

func (s *Scheduler) setSetup(state string, err error) {
	s.mu.Lock()
	s.setupState = state
	s.setupErr = err
	s.mu.Unlock()
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}
