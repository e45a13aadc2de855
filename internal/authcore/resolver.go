package authcore

import (
	"context"

	"go.uber.org/zap"
)

// Resolution is the tri-state outcome of an identity check: a signed-in
// identity, a normal unauthenticated state (both fields nil), or an
// unexpected failure carried in Err.
type Resolution struct {
	Identity *Identity
	// Session is best-effort local metadata for expiry display only; it is
	// never proof of authentication.
	Session *Session
	Err     error
}

// IdentityResolver answers "who is currently signed in" without ever
// failing. Authentication is always established by a fresh provider check,
// never by the presence of a locally cached session: local data may be stale
// or forged, so the provider round-trip is the trust boundary.
type IdentityResolver struct {
	provider  IdentityProvider
	store     *StoreAdapter
	validator *SessionValidator
	refresher *RefreshCoordinator
	logger    *zap.Logger
}

// NewIdentityResolver constructs a resolver. Provider and store are
// required; the refresher is optional.
func NewIdentityResolver(provider IdentityProvider, store *StoreAdapter, validator *SessionValidator, refresher *RefreshCoordinator, resolverLogger *zap.Logger) *IdentityResolver {
	if provider == nil {
		panic("identity resolver requires an identity provider")
	}
	if store == nil {
		panic("identity resolver requires a store adapter")
	}
	if validator == nil {
		validator = NewSessionValidator(nil, 0)
	}
	if resolverLogger == nil {
		resolverLogger = zap.NewNop()
	}
	return &IdentityResolver{
		provider:  provider,
		store:     store,
		validator: validator,
		refresher: refresher,
		logger:    resolverLogger,
	}
}

// Resolve returns the current identity. Expected unauthenticated states
// resolve to an empty Resolution with a nil Err and are logged at info
// level; only genuinely unexpected provider failures populate Err.
func (resolver *IdentityResolver) Resolve(ctx context.Context) Resolution {
	identity, identityErr := resolver.provider.GetIdentity(ctx)
	if identityErr != nil {
		if IsExpectedAuthError(identityErr) {
			resolver.logger.Info("no authenticated identity",
				zap.String("code", "resolver.guest"))
			return Resolution{}
		}
		resolver.logger.Error("identity check failed",
			zap.String("code", "resolver.identity_check_failed"),
			zap.Error(identityErr))
		return Resolution{Err: identityErr}
	}
	if identity == nil {
		resolver.logger.Info("no authenticated identity",
			zap.String("code", "resolver.guest"))
		return Resolution{}
	}

	session := resolver.localSessionMetadata(ctx)
	return Resolution{Identity: identity, Session: session}
}

// localSessionMetadata fetches the stored session for expiry display and
// refreshes it when expired. Failures here never affect the resolution.
func (resolver *IdentityResolver) localSessionMetadata(ctx context.Context) *Session {
	session, present := resolver.store.ReadStoredSession(ctx)
	if !present {
		return nil
	}
	if !resolver.validator.IsExpired(session) {
		return session
	}
	if resolver.refresher == nil {
		return session
	}
	result, refreshErr := resolver.refresher.Refresh(ctx)
	if refreshErr != nil {
		resolver.logger.Warn("background session refresh failed",
			zap.String("code", "resolver.refresh_failed"),
			zap.Error(refreshErr))
		return session
	}
	if result.Session != nil {
		return result.Session
	}
	if result.SignedOut {
		return nil
	}
	return session
}
