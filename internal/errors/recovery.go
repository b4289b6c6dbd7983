package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenRefresher re-establishes an authenticated session after the
// catalog reports an expired or invalid token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// RecoveryManager centralizes recovery for the catalog client's request
// path: an auth failure triggers a single-flight token refresh, a rate
// limit parks every caller until the window passes, and network
// failures are left to the retry loop's backoff. Errors outside those
// three categories pass through untouched.
type RecoveryManager struct {
	refresher TokenRefresher
	logger    *zap.Logger
	retry     RetryConfig

	mu             sync.Mutex
	rateLimitUntil time.Time
	refreshing     bool
}

// NewRecoveryManager builds a RecoveryManager. logger may be nil.
func NewRecoveryManager(refresher TokenRefresher, logger *zap.Logger, retry RetryConfig) *RecoveryManager {
	return &RecoveryManager{
		refresher: refresher,
		logger:    logger,
		retry:     retry,
	}
}

// Execute runs fn under the retry policy, routing each failure through
// the recovery rules before the retry loop decides whether to try
// again. A caller arriving while a rate-limit window is open waits the
// window out before its first attempt.
func (m *RecoveryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	if wait := m.rateLimitRemaining(); wait > 0 {
		m.warn("operation parked by rate limit", operation, zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return RetryWithBackoff(ctx, m.retry, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		return m.recover(ctx, err, operation)
	})
}

// recover maps one failure to its recovery action and returns the error
// the retry loop should see.
func (m *RecoveryManager) recover(ctx context.Context, err error, operation string) error {
	switch {
	case IsAuthError(err):
		return m.recoverAuth(ctx, err, operation)
	case IsRateLimitError(err):
		return m.recoverRateLimit(ctx, err, operation)
	case IsNetworkError(err):
		m.warn("transient network failure", operation, zap.Error(err))
		return err
	default:
		return err
	}
}

// recoverAuth refreshes the session token, single-flight: a caller that
// fails while another refresh is already running reports its original
// error and lets backoff retry against the refreshed session.
func (m *RecoveryManager) recoverAuth(ctx context.Context, err error, operation string) error {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return err
	}
	m.refreshing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	m.warn("auth failure, refreshing session token", operation, zap.Error(err))
	if refreshErr := m.refresher.RefreshToken(ctx); refreshErr != nil {
		// Deliberately not an AppError: a failed refresh is terminal, the
		// retry loop must not spin on it.
		return fmt.Errorf("token refresh failed: %w", refreshErr)
	}
	// Still an auth error, but a retryable one — the next attempt runs
	// against the refreshed session.
	return NewAuthError("token refreshed, retrying", err)
}

// recoverRateLimit records the cool-off window and waits it out, so the
// retry loop's next attempt lands after the limit clears and any
// concurrent Execute caller parks at the door.
func (m *RecoveryManager) recoverRateLimit(ctx context.Context, err error, operation string) error {
	wait := m.retry.MaxBackoff
	m.mu.Lock()
	m.rateLimitUntil = time.Now().Add(wait)
	m.mu.Unlock()

	m.warn("rate limited by catalog", operation, zap.Duration("wait", wait))
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	case <-time.After(wait):
	}
	return err
}

// RateLimited reports whether a rate-limit window is still open.
func (m *RecoveryManager) RateLimited() bool {
	return m.rateLimitRemaining() > 0
}

func (m *RecoveryManager) rateLimitRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rem := time.Until(m.rateLimitUntil); rem > 0 {
		return rem
	}
	return 0
}

func (m *RecoveryManager) warn(msg, operation string, fields ...zap.Field) {
	if m.logger == nil {
		return
	}
	m.logger.Warn(msg, append([]zap.Field{zap.String("operation", operation)}, fields...)...)
}
