package authcore

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// terminalRefreshPhrases identify provider failures meaning the refresh
// token can never succeed again. They end the session instead of retrying.
var terminalRefreshPhrases = []string{
	"refresh token not found",
	"invalid refresh token",
	"refresh_token_not_found",
	"refresh token has been revoked",
	"already used",
}

func isTerminalRefreshError(rawError error) bool {
	if rawError == nil {
		return false
	}
	lowered := strings.ToLower(rawError.Error())
	for _, phrase := range terminalRefreshPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// RefreshResult is the outcome of a refresh attempt. A nil Session with a
// nil error is a normal no-session or terminal-logout result, not a fault.
type RefreshResult struct {
	Session *Session
	// SignedOut is set when the provider reported the refresh token as
	// irrecoverable and the local state was cleared.
	SignedOut bool
}

// RefreshCoordinator recovers a usable session from the stored refresh
// token. It adds no mutual exclusion of its own: the provider serializes its
// refresh calls, and concurrent Refresh invocations stay idempotent because
// session writes are whole-record replacements.
type RefreshCoordinator struct {
	provider  IdentityProvider
	store     *StoreAdapter
	validator *SessionValidator
	logger    *zap.Logger
	metrics   MetricsRecorder
}

// NewRefreshCoordinator constructs a coordinator; nil logger and metrics get
// defaults.
func NewRefreshCoordinator(provider IdentityProvider, store *StoreAdapter, validator *SessionValidator, coordinatorLogger *zap.Logger, metrics MetricsRecorder) *RefreshCoordinator {
	if provider == nil {
		panic("refresh coordinator requires an identity provider")
	}
	if store == nil {
		panic("refresh coordinator requires a store adapter")
	}
	if validator == nil {
		validator = NewSessionValidator(nil, 0)
	}
	if coordinatorLogger == nil {
		coordinatorLogger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &RefreshCoordinator{
		provider:  provider,
		store:     store,
		validator: validator,
		logger:    coordinatorLogger,
		metrics:   metrics,
	}
}

// Refresh exchanges the stored refresh token for a fresh session.
//
// Absent or structurally invalid local records and provider-declared
// terminal refresh failures all resolve without an error: they are expected
// terminal states, not retryable faults. Any other provider failure is
// returned raw for the caller to classify.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context) (RefreshResult, error) {
	stored, present := coordinator.store.ReadStoredSession(ctx)
	if !present {
		coordinator.logger.Info("refresh skipped, no local session",
			zap.String("code", "refresh.no_local_session"))
		return RefreshResult{}, nil
	}
	if strings.TrimSpace(stored.RefreshToken) == "" || !coordinator.validator.ValidateSession(stored) {
		coordinator.logger.Info("refresh skipped, unusable local record",
			zap.String("code", "refresh.invalid_local_record"))
		coordinator.store.ClearSession(ctx)
		return RefreshResult{}, nil
	}

	refreshed, refreshErr := coordinator.provider.RefreshSession(ctx, stored.RefreshToken)
	if refreshErr != nil {
		if isTerminalRefreshError(refreshErr) {
			coordinator.logger.Info("terminal refresh failure, signing out",
				zap.String("code", "refresh.terminal_logout"),
				zap.String("reason", refreshErr.Error()))
			coordinator.metrics.Increment("refresh.terminal_logout")
			if signOutErr := coordinator.provider.SignOut(ctx); signOutErr != nil {
				coordinator.logger.Warn("provider sign-out after terminal refresh failed",
					zap.String("code", "refresh.signout_failed"),
					zap.Error(signOutErr))
			}
			coordinator.store.ClearSession(ctx)
			return RefreshResult{SignedOut: true}, nil
		}
		coordinator.metrics.Increment("refresh.failure")
		return RefreshResult{}, refreshErr
	}

	coordinator.store.SetSession(ctx, refreshed)
	coordinator.metrics.Increment("refresh.success")
	return RefreshResult{Session: refreshed}, nil
}

// RecoverFromRedirect establishes a session from an access/refresh token
// pair embedded in a redirect URL, the shape a completed external login
// navigates back with. On success the tokens are stripped from the returned
// URL. A URL without embedded tokens returns (nil, original, nil).
func (coordinator *RefreshCoordinator) RecoverFromRedirect(ctx context.Context, redirectURL *url.URL) (*Session, *url.URL, error) {
	if redirectURL == nil {
		return nil, nil, nil
	}
	accessToken, refreshToken := extractRedirectTokens(redirectURL)
	if accessToken == "" || refreshToken == "" {
		return nil, redirectURL, nil
	}

	session, setErr := coordinator.provider.SetSession(ctx, accessToken, refreshToken)
	if setErr != nil {
		coordinator.metrics.Increment("refresh.redirect_recovery_failure")
		return nil, redirectURL, setErr
	}

	coordinator.store.SetSession(ctx, session)
	coordinator.metrics.Increment("refresh.redirect_recovery_success")
	coordinator.logger.Info("session recovered from redirect tokens",
		zap.String("code", "refresh.redirect_recovery"))
	return session, stripRedirectTokens(redirectURL), nil
}

func extractRedirectTokens(redirectURL *url.URL) (string, string) {
	query := redirectURL.Query()
	accessToken := query.Get("access_token")
	refreshToken := query.Get("refresh_token")
	if accessToken != "" && refreshToken != "" {
		return accessToken, refreshToken
	}
	fragment, parseErr := url.ParseQuery(redirectURL.Fragment)
	if parseErr != nil {
		return "", ""
	}
	return fragment.Get("access_token"), fragment.Get("refresh_token")
}

func stripRedirectTokens(redirectURL *url.URL) *url.URL {
	cleaned := *redirectURL

	query := cleaned.Query()
	query.Del("access_token")
	query.Del("refresh_token")
	cleaned.RawQuery = query.Encode()

	if fragment, parseErr := url.ParseQuery(cleaned.Fragment); parseErr == nil && len(fragment) > 0 {
		fragment.Del("access_token")
		fragment.Del("refresh_token")
		cleaned.Fragment = fragment.Encode()
	}
	return &cleaned
}
