package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrMissingProvider indicates the facade was built without an identity provider.
	ErrMissingProvider = errors.New("facade.missing_provider")
	// ErrMissingEmail indicates a blank email on an email-based operation.
	ErrMissingEmail = errors.New("facade.missing_email")
	// ErrMissingPassword indicates a blank password on a password operation.
	ErrMissingPassword = errors.New("facade.missing_password")
	// ErrMissingGoogleToken indicates a blank Google ID token.
	ErrMissingGoogleToken = errors.New("facade.missing_google_token")
	// ErrNotSignedIn indicates an operation that requires a signed-in identity.
	ErrNotSignedIn = errors.New("facade.not_signed_in")
)

// AuthResult is the uniform outcome of every facade operation.
type AuthResult struct {
	Identity *Identity
	Session  *Session
	Err      error
	Success  bool
	// ErrorResult is populated whenever Err is, with the classified bundle.
	ErrorResult *Classification
	// AutoLoginAttempted marks a sign-up that fell back to a sign-in because
	// the provider reported the email as already registered. It is set
	// whether or not that fallback sign-in succeeded.
	AutoLoginAttempted bool
}

// FacadeConfig wires the facade's collaborators. Provider is required;
// everything else defaults.
type FacadeConfig struct {
	Provider   IdentityProvider
	Store      *StoreAdapter
	Validator  *SessionValidator
	Classifier *Classifier
	Loading    *LoadingTracker
	Refresher  *RefreshCoordinator
	Resolver   *IdentityResolver
	Logger     *zap.Logger
	Metrics    MetricsRecorder
	Clock      Clock
}

// AuthFacade composes the store adapter, validator, classifier, loading
// tracker, resolver, and refresh coordinator behind the operations callers
// use. All collaborators are injected explicitly; the facade holds no
// package-level mutable state.
type AuthFacade struct {
	provider   IdentityProvider
	store      *StoreAdapter
	validator  *SessionValidator
	classifier *Classifier
	loading    *LoadingTracker
	refresher  *RefreshCoordinator
	resolver   *IdentityResolver
	logger     *zap.Logger
	metrics    MetricsRecorder

	mutex           sync.RWMutex
	currentIdentity *Identity
	currentSession  *Session
	lastError       *Classification

	unsubscribe func()
}

// NewAuthFacade builds the facade and subscribes to the provider's auth
// state changes. Call Close to unsubscribe and clear loading state.
func NewAuthFacade(configuration FacadeConfig) (*AuthFacade, error) {
	if configuration.Provider == nil {
		return nil, ErrMissingProvider
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	facadeLogger := configuration.Logger
	if facadeLogger == nil {
		facadeLogger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	validator := configuration.Validator
	if validator == nil {
		validator = NewSessionValidator(clock, 0)
	}
	store := configuration.Store
	if store == nil {
		store = NewStoreAdapter(StoreAdapterConfig{
			Primary:   NewMemoryChannel(clock),
			Validator: validator,
			Clock:     clock,
			Logger:    facadeLogger,
		})
	}
	classifier := configuration.Classifier
	if classifier == nil {
		classifier = NewClassifier(facadeLogger, clock, metrics)
	}
	loading := configuration.Loading
	if loading == nil {
		loading = NewLoadingTracker(facadeLogger, metrics, 0)
	}
	refresher := configuration.Refresher
	if refresher == nil {
		refresher = NewRefreshCoordinator(configuration.Provider, store, validator, facadeLogger, metrics)
	}
	resolver := configuration.Resolver
	if resolver == nil {
		resolver = NewIdentityResolver(configuration.Provider, store, validator, refresher, facadeLogger)
	}

	facade := &AuthFacade{
		provider:   configuration.Provider,
		store:      store,
		validator:  validator,
		classifier: classifier,
		loading:    loading,
		refresher:  refresher,
		resolver:   resolver,
		logger:     facadeLogger,
		metrics:    metrics,
	}
	facade.unsubscribe = configuration.Provider.OnAuthStateChange(facade.handleAuthStateChange)
	return facade, nil
}

// Close unsubscribes from provider events and clears loading state.
func (facade *AuthFacade) Close() {
	if facade.unsubscribe != nil {
		facade.unsubscribe()
		facade.unsubscribe = nil
	}
	facade.loading.ClearAll()
}

// SignIn authenticates with an email/password pair.
func (facade *AuthFacade) SignIn(ctx context.Context, credentials Credentials) AuthResult {
	credentials = credentials.Normalize()
	if validationResult, invalid := facade.validateCredentials(OpSignIn, credentials); invalid {
		return validationResult
	}
	return facade.run(ctx, OpSignIn, "", func(callCtx context.Context) (*Session, *Identity, error) {
		return facade.provider.SignInWithPassword(callCtx, credentials)
	})
}

// SignUp registers a new account. When the provider reports the email as
// already registered, a sign-in with the same credentials is attempted
// before anything is surfaced, and AutoLoginAttempted is set either way so
// callers can phrase feedback correctly.
func (facade *AuthFacade) SignUp(ctx context.Context, credentials Credentials) AuthResult {
	credentials = credentials.Normalize()
	if validationResult, invalid := facade.validateCredentials(OpSignUp, credentials); invalid {
		return validationResult
	}
	result := facade.run(ctx, OpSignUp, "", func(callCtx context.Context) (*Session, *Identity, error) {
		return facade.provider.SignUp(callCtx, credentials)
	})
	if result.Err == nil || result.ErrorResult == nil || result.ErrorResult.DomainError.Code != CodeEmailAlreadyExists {
		return result
	}

	facade.logger.Info("sign-up email already registered, attempting sign-in",
		zap.String("code", "facade.signup_auto_login"))
	facade.metrics.Increment("auth.signUp.auto_login_attempted")
	fallback := facade.SignIn(ctx, credentials)
	fallback.AutoLoginAttempted = true
	return fallback
}

// SignOut ends the session with the provider and clears local state.
func (facade *AuthFacade) SignOut(ctx context.Context) AuthResult {
	result := facade.run(ctx, OpSignOut, "", func(callCtx context.Context) (*Session, *Identity, error) {
		return nil, nil, facade.provider.SignOut(callCtx)
	})
	if result.Success {
		facade.store.ClearSession(ctx)
		facade.setState(nil, nil)
	}
	return result
}

// ResetPassword asks the provider to send a password reset email.
func (facade *AuthFacade) ResetPassword(ctx context.Context, email string) AuthResult {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return facade.validationFailure(OpResetPassword, ErrMissingEmail)
	}
	return facade.runWithoutSession(ctx, OpResetPassword, func(callCtx context.Context) error {
		return facade.provider.SendPasswordReset(callCtx, email)
	})
}

// SendMagicLink asks the provider to send a one-time sign-in link.
func (facade *AuthFacade) SendMagicLink(ctx context.Context, email string) AuthResult {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return facade.validationFailure(OpMagicLink, ErrMissingEmail)
	}
	return facade.runWithoutSession(ctx, OpMagicLink, func(callCtx context.Context) error {
		return facade.provider.SendMagicLink(callCtx, email)
	})
}

// SignInWithGoogle exchanges a Google ID token for a session.
func (facade *AuthFacade) SignInWithGoogle(ctx context.Context, googleIDToken string) AuthResult {
	if strings.TrimSpace(googleIDToken) == "" {
		return facade.validationFailure(OpGoogleSignIn, ErrMissingGoogleToken)
	}
	return facade.run(ctx, OpGoogleSignIn, "", func(callCtx context.Context) (*Session, *Identity, error) {
		return facade.provider.SignInWithGoogle(callCtx, googleIDToken)
	})
}

// UpdateProfile passes a profile change through to the provider for the
// currently signed-in identity.
func (facade *AuthFacade) UpdateProfile(ctx context.Context, update ProfileUpdate) AuthResult {
	current := facade.CurrentIdentity()
	if current == nil {
		return facade.validationFailure(OpUpdateProfile, ErrNotSignedIn)
	}
	return facade.run(ctx, OpUpdateProfile, "", func(callCtx context.Context) (*Session, *Identity, error) {
		identity, updateErr := facade.provider.UpdateProfile(callCtx, current.ID, update)
		return nil, identity, updateErr
	})
}

// Refresh exposes the refresh coordinator behind loading tracking.
func (facade *AuthFacade) Refresh(ctx context.Context) AuthResult {
	facade.loading.Start(OpRefreshSession, "")
	defer facade.loading.Finish(OpRefreshSession)

	result, refreshErr := facade.refresher.Refresh(ctx)
	if refreshErr != nil {
		classification := facade.classifier.Classify(refreshErr, OpRefreshSession, nil)
		facade.setLastError(&classification)
		facade.metrics.Increment("auth.refreshSession.failure")
		return AuthResult{Err: refreshErr, ErrorResult: &classification}
	}
	facade.clearLastError()
	if result.SignedOut {
		facade.setState(nil, nil)
		return AuthResult{Success: true}
	}
	if result.Session != nil {
		facade.setSession(result.Session)
	}
	facade.metrics.Increment("auth.refreshSession.success")
	return AuthResult{Session: result.Session, Success: true}
}

// Resolve answers "who is currently signed in" via the resolver and mirrors
// the outcome into facade state.
func (facade *AuthFacade) Resolve(ctx context.Context) Resolution {
	resolution := facade.resolver.Resolve(ctx)
	if resolution.Err == nil {
		facade.setState(resolution.Identity, resolution.Session)
	}
	return resolution
}

// CurrentIdentity returns the locally mirrored identity, nil for guests.
func (facade *AuthFacade) CurrentIdentity() *Identity {
	facade.mutex.RLock()
	defer facade.mutex.RUnlock()
	return facade.currentIdentity.Clone()
}

// CurrentSession returns the locally mirrored session metadata.
func (facade *AuthFacade) CurrentSession() *Session {
	facade.mutex.RLock()
	defer facade.mutex.RUnlock()
	return facade.currentSession.Clone()
}

// IsAuthenticated reports whether a signed-in identity is mirrored locally.
func (facade *AuthFacade) IsAuthenticated() bool {
	facade.mutex.RLock()
	defer facade.mutex.RUnlock()
	return facade.currentIdentity != nil
}

// IsGuest is the complement of IsAuthenticated.
func (facade *AuthFacade) IsGuest() bool {
	return !facade.IsAuthenticated()
}

// IsOperationLoading reports whether the named operation is in flight.
func (facade *AuthFacade) IsOperationLoading(op Operation) bool {
	return facade.loading.IsLoading(op)
}

// GetOperationState returns the loading entry for the operation.
func (facade *AuthFacade) GetOperationState(op Operation) (OperationState, bool) {
	return facade.loading.State(op)
}

// GetCurrentMessage returns the loading message for the operation.
func (facade *AuthFacade) GetCurrentMessage(op Operation) string {
	return facade.loading.Message(op)
}

// LastError returns the most recent classified failure, nil after any
// successful operation.
func (facade *AuthFacade) LastError() *Classification {
	facade.mutex.RLock()
	defer facade.mutex.RUnlock()
	return facade.lastError
}

// run wraps a provider call with loading tracking, classification, state
// mirroring, and guaranteed cleanup on every exit path.
func (facade *AuthFacade) run(ctx context.Context, op Operation, message string, call func(ctx context.Context) (*Session, *Identity, error)) AuthResult {
	facade.loading.Start(op, message)
	defer facade.loading.Finish(op)

	session, identity, callErr := call(ctx)
	if callErr != nil {
		classification := facade.classifier.Classify(callErr, op, nil)
		facade.setLastError(&classification)
		facade.metrics.Increment("auth." + string(op) + ".failure")
		return AuthResult{Err: callErr, ErrorResult: &classification}
	}

	facade.clearLastError()
	if session != nil {
		facade.store.SetSession(ctx, session)
	}
	if identity != nil || session != nil {
		facade.setState(identity, session)
	}
	facade.metrics.Increment("auth." + string(op) + ".success")
	return AuthResult{Identity: identity, Session: session, Success: true}
}

// runWithoutSession wraps provider calls that produce no session or identity.
func (facade *AuthFacade) runWithoutSession(ctx context.Context, op Operation, call func(ctx context.Context) error) AuthResult {
	return facade.run(ctx, op, "", func(callCtx context.Context) (*Session, *Identity, error) {
		return nil, nil, call(callCtx)
	})
}

func (facade *AuthFacade) validateCredentials(op Operation, credentials Credentials) (AuthResult, bool) {
	if credentials.Email == "" {
		return facade.validationFailure(op, ErrMissingEmail), true
	}
	if credentials.Password == "" {
		return facade.validationFailure(op, ErrMissingPassword), true
	}
	return AuthResult{}, false
}

func (facade *AuthFacade) validationFailure(op Operation, validationErr error) AuthResult {
	domainError := NewDomainAuthError(CodeValidation, validationErr.Error(), 422, map[string]string{
		"operation": string(op),
	})
	classification := Classification{
		DomainError: domainError,
		UserMessage: UserMessageForCode(CodeValidation),
		LogContext:  domainError.Context,
	}
	facade.setLastError(&classification)
	facade.metrics.Increment("auth." + string(op) + ".validation_error")
	return AuthResult{Err: validationErr, ErrorResult: &classification}
}

// handleAuthStateChange mirrors provider auth events into local identity
// state. Event payloads are untrusted: the session shape is re-validated
// before anything is persisted.
func (facade *AuthFacade) handleAuthStateChange(event AuthChangeEvent, session *Session) {
	if session != nil && !facade.validator.ValidateSession(session) {
		facade.logger.Warn("auth event carried malformed session, ignoring payload",
			zap.String("code", "facade.event.malformed_session"),
			zap.String("event", string(event)))
		session = nil
	}

	ctx := context.Background()
	switch event {
	case EventSignedOut:
		facade.store.ClearSession(ctx)
		facade.setState(nil, nil)
	case EventSignedIn, EventTokenRefreshed:
		if session != nil {
			facade.store.SetSession(ctx, session)
			facade.setSession(session)
		}
	case EventUserUpdated:
		if session != nil {
			facade.setSession(session)
		}
	case EventPasswordRecovery:
		facade.logger.Info("password recovery event received",
			zap.String("code", "facade.event.password_recovery"))
	default:
		facade.logger.Warn("unknown auth event ignored",
			zap.String("code", "facade.event.unknown"),
			zap.String("event", string(event)))
	}
	facade.metrics.Increment("auth.event." + string(event))
}

func (facade *AuthFacade) setState(identity *Identity, session *Session) {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	facade.currentIdentity = identity.Clone()
	if session != nil {
		facade.currentSession = session.Clone()
	} else if identity == nil {
		facade.currentSession = nil
	}
}

func (facade *AuthFacade) setSession(session *Session) {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	facade.currentSession = session.Clone()
}

func (facade *AuthFacade) setLastError(classification *Classification) {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	facade.lastError = classification
}

func (facade *AuthFacade) clearLastError() {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	facade.lastError = nil
}
