package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEBHOOK REGISTRAR
// ══════════════════════════════════════════════════════════════════════════════

// RegistrationState tracks the webhook subscription lifecycle.
type RegistrationState int

const (
	// StateUnregistered means no subscription attempt has succeeded yet.
	StateUnregistered RegistrationState = iota

	// StateRegistering means an attempt is in progress.
	StateRegistering

	// StateRegistered means the provider confirmed the subscription.
	StateRegistered
)

// String returns the state name.
func (s RegistrationState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// RegistrationError reports an exhausted registration attempt sequence. It is
// a persistent but non-fatal fault: updates simply will not arrive until a
// future attempt succeeds or an operator intervenes.
type RegistrationError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("webhook registration failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// registrarAPI is the slice of the Bot API the registrar needs. Narrowed to
// an interface so tests can inject a fake transport.
type registrarAPI interface {
	SetWebhook(ctx context.Context, params SetWebhookParams) error
	DeleteWebhook(ctx context.Context, dropPendingUpdates bool) error
	GetWebhookInfo(ctx context.Context) (*WebhookInfo, error)
}

var _ registrarAPI = (*Client)(nil)

// RegistrarConfig configures webhook registration.
type RegistrarConfig struct {
	// URL is the externally reachable callback URL, secret path included.
	URL string

	// SecretToken is sent back by Telegram in
	// X-Telegram-Bot-Api-Secret-Token on every callback.
	SecretToken string

	// MaxAttempts bounds one Register call (default 5).
	MaxAttempts int

	// MaxConnections caps Telegram's concurrent callback connections.
	MaxConnections int

	// AllowedUpdates limits which update types Telegram delivers.
	AllowedUpdates []string

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultRegistrarConfig returns sensible defaults.
func DefaultRegistrarConfig(url, secretToken string) RegistrarConfig {
	return RegistrarConfig{
		URL:            url,
		SecretToken:    secretToken,
		MaxAttempts:    5,
		AllowedUpdates: []string{"message", "edited_message"},
	}
}

// Registrar idempotently (re)registers the callback URL with Telegram,
// backing off on rate limits. It runs at startup racing against inbound
// traffic; the pending buffer exists exactly because of that race.
type Registrar struct {
	api    registrarAPI
	config RegistrarConfig
	logger *slog.Logger

	// sleep is injectable so backoff is testable without a real clock.
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	state         RegistrationState
	lastConfirmed time.Time
}

// NewRegistrar creates a registrar using the given API client.
func NewRegistrar(api registrarAPI, config RegistrarConfig) *Registrar {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Registrar{
		api:    api,
		config: config,
		logger: config.Logger,
		sleep:  sleepCtx,
	}
}

// NextDelay returns the backoff before the given retry: 1s, 2s, 4s...
// capped at 30s. Pure function, attempt counts from 1.
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 30 * time.Second
	}
	d := time.Second << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// State returns the current registration state.
func (r *Registrar) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastConfirmed returns when the provider last confirmed the subscription.
func (r *Registrar) LastConfirmed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastConfirmed
}

// Register clears any existing subscription, then installs the configured
// one. On a rate-limit response it waits the provider-suggested backoff (or
// the exponential default, whichever is longer) and retries up to the
// attempt bound. Exhaustion returns a *RegistrationError; callers log it and
// keep the process serving.
func (r *Registrar) Register(ctx context.Context) error {
	r.setState(StateRegistering)

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &RegistrationError{Attempts: attempt - 1, Err: err}
		}

		lastErr = r.registerOnce(ctx)
		if lastErr == nil {
			r.confirm()
			r.logger.Info("webhook registered", "url", r.config.URL, "attempt", attempt)
			return nil
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := NextDelay(attempt)
		if retryAfter, ok := IsRateLimited(lastErr); ok {
			if suggested := time.Duration(retryAfter) * time.Second; suggested > delay {
				delay = suggested
			}
		} else if !IsRetryableError(lastErr) {
			r.setState(StateUnregistered)
			return &RegistrationError{Attempts: attempt, Err: lastErr}
		}

		r.logger.Warn("webhook registration attempt failed",
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", lastErr,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return &RegistrationError{Attempts: attempt, Err: err}
		}
	}

	r.setState(StateUnregistered)
	return &RegistrationError{Attempts: r.config.MaxAttempts, Err: lastErr}
}

// Recheck verifies the subscription still points at the configured URL and
// re-registers when it does not. Safe to run periodically.
func (r *Registrar) Recheck(ctx context.Context) error {
	info, err := r.api.GetWebhookInfo(ctx)
	if err != nil {
		return fmt.Errorf("recheck webhook: %w", err)
	}

	if info.URL == r.config.URL {
		r.confirm()
		return nil
	}

	r.logger.Warn("webhook subscription drifted, re-registering",
		"expected", r.config.URL,
		"actual", info.URL,
	)
	return r.Register(ctx)
}

// RunRecheck re-verifies the subscription on the given interval until the
// context ends. Failures are logged, never fatal.
func (r *Registrar) RunRecheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Recheck(ctx); err != nil {
				r.logger.Error("webhook recheck failed", "error", err)
			}
		}
	}
}

// registerOnce performs one delete-then-set cycle.
func (r *Registrar) registerOnce(ctx context.Context) error {
	if err := r.api.DeleteWebhook(ctx, true); err != nil {
		return fmt.Errorf("clear previous webhook: %w", err)
	}

	return r.api.SetWebhook(ctx, SetWebhookParams{
		URL:            r.config.URL,
		SecretToken:    r.config.SecretToken,
		MaxConnections: r.config.MaxConnections,
		AllowedUpdates: r.config.AllowedUpdates,
	})
}

func (r *Registrar) setState(s RegistrationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Registrar) confirm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRegistered
	r.lastConfirmed = time.Now().UTC()
}

// sleepCtx waits for d or for context cancellation, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
