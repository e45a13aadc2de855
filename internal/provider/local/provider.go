package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/amora-app/amora/internal/authcore"
)

// Provider phrases mirror what hosted identity services put on the wire, so
// the same classifier table covers both.
var (
	errInvalidCredentials = errors.New("Invalid login credentials")
	errAlreadyRegistered  = errors.New("User already registered")
	errEmailNotConfirmed  = errors.New("Email not confirmed")
	errSessionMissing     = errors.New("Auth session missing!")
	errSignupsDisabled    = errors.New("Signups not allowed for this instance")
	errEmailRateLimited   = errors.New("Email rate limit exceeded, please try again later")
)

// ErrMissingSigningKey indicates the provider was built without a JWT key.
var ErrMissingSigningKey = errors.New("local_provider.missing_signing_key")

const (
	defaultIssuer            = "amora"
	defaultSessionTTL        = time.Hour
	defaultRefreshTTL        = 30 * 24 * time.Hour
	defaultOneTimeTokenTTL   = 15 * time.Minute
	defaultMinPasswordLength = 8
	defaultEmailSendInterval = time.Minute
)

// Config wires the provider. SigningKey is required; everything else
// defaults.
type Config struct {
	SigningKey        []byte
	Issuer            string
	SessionTTL        time.Duration
	RefreshTTL        time.Duration
	OneTimeTokenTTL   time.Duration
	MinPasswordLength int
	// DisableSignUps rejects new password registrations while leaving existing
	// accounts able to sign in.
	DisableSignUps bool
	// RequireEmailConfirmation gates password sign-in behind a confirmation
	// token delivered through the outbox.
	RequireEmailConfirmation bool
	EmailSendInterval        time.Duration
	GoogleClientID           string
	GoogleVerifier           GoogleVerifier
	Outbox                   *Outbox
	Clock                    authcore.Clock
	Logger                   *zap.Logger
}

type account struct {
	id             string
	email          string
	passwordHash   []byte
	displayName    string
	avatarURL      string
	emailConfirmed bool
	googleSubject  string
	signInMethods  []string
}

// LocalProvider is an in-process authcore.IdentityProvider. Accounts, refresh
// tokens, and one-time tokens live in memory; access tokens are signed HS256
// JWTs.
type LocalProvider struct {
	configuration Config
	clock         authcore.Clock
	logger        *zap.Logger
	outbox        *Outbox
	refreshTokens *refreshTokenRegistry
	oneTimeTokens *oneTimeTokenStore

	mutex          sync.Mutex
	accountsByID   map[string]*account
	accountsByMail map[string]*account
	currentSession *authcore.Session
	lastEmailSend  map[string]time.Time

	listenerMutex  sync.Mutex
	listeners      map[int]authcore.AuthStateListener
	nextListenerID int
}

// NewLocalProvider builds the provider; Config.SigningKey is mandatory.
func NewLocalProvider(configuration Config) (*LocalProvider, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, ErrMissingSigningKey
	}
	if configuration.Issuer == "" {
		configuration.Issuer = defaultIssuer
	}
	if configuration.SessionTTL <= 0 {
		configuration.SessionTTL = defaultSessionTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = defaultRefreshTTL
	}
	if configuration.OneTimeTokenTTL <= 0 {
		configuration.OneTimeTokenTTL = defaultOneTimeTokenTTL
	}
	if configuration.MinPasswordLength <= 0 {
		configuration.MinPasswordLength = defaultMinPasswordLength
	}
	if configuration.EmailSendInterval <= 0 {
		configuration.EmailSendInterval = defaultEmailSendInterval
	}
	clock := configuration.Clock
	if clock == nil {
		clock = authcore.NewSystemClock()
	}
	providerLogger := configuration.Logger
	if providerLogger == nil {
		providerLogger = zap.NewNop()
	}
	outbox := configuration.Outbox
	if outbox == nil {
		outbox = NewOutbox()
	}
	return &LocalProvider{
		configuration:  configuration,
		clock:          clock,
		logger:         providerLogger,
		outbox:         outbox,
		refreshTokens:  newRefreshTokenRegistry(clock),
		oneTimeTokens:  newOneTimeTokenStore(configuration.OneTimeTokenTTL, clock),
		accountsByID:   make(map[string]*account),
		accountsByMail: make(map[string]*account),
		lastEmailSend:  make(map[string]time.Time),
		listeners:      make(map[int]authcore.AuthStateListener),
	}, nil
}

// Outbox exposes the captured outbound emails.
func (provider *LocalProvider) Outbox() *Outbox {
	return provider.outbox
}

// GetIdentity returns the identity behind the live provider-side session. It
// never consults anything cached by callers; an absent or expired session is
// reported with the session-missing phrase.
func (provider *LocalProvider) GetIdentity(ctx context.Context) (*authcore.Identity, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()

	if provider.currentSession == nil || provider.clock.Now().After(provider.currentSession.ExpiresAt) {
		return nil, errSessionMissing
	}
	currentAccount := provider.accountsByID[provider.currentSession.UserID]
	if currentAccount == nil {
		return nil, errSessionMissing
	}
	return identityForAccount(currentAccount), nil
}

// GetSession returns the live provider-side session, nil when signed out.
func (provider *LocalProvider) GetSession(ctx context.Context) (*authcore.Session, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.currentSession.Clone(), nil
}

// SignInWithPassword authenticates an email/password pair.
func (provider *LocalProvider) SignInWithPassword(ctx context.Context, credentials authcore.Credentials) (*authcore.Session, *authcore.Identity, error) {
	credentials = credentials.Normalize()

	provider.mutex.Lock()
	existingAccount := provider.accountsByMail[credentials.Email]
	if existingAccount == nil || len(existingAccount.passwordHash) == 0 {
		provider.mutex.Unlock()
		return nil, nil, errInvalidCredentials
	}
	if compareErr := bcrypt.CompareHashAndPassword(existingAccount.passwordHash, []byte(credentials.Password)); compareErr != nil {
		provider.mutex.Unlock()
		return nil, nil, errInvalidCredentials
	}
	if !existingAccount.emailConfirmed {
		provider.mutex.Unlock()
		return nil, nil, errEmailNotConfirmed
	}
	session, identity, startErr := provider.startSessionLocked(existingAccount)
	provider.mutex.Unlock()
	if startErr != nil {
		return nil, nil, startErr
	}

	provider.logger.Info("password sign-in",
		zap.String("code", "local_provider.signin"),
		zap.String("user_id", identity.ID))
	provider.emit(authcore.EventSignedIn, session)
	return session, identity, nil
}

// SignUp registers a password account. With email confirmation enabled the
// account starts unconfirmed and only a confirmation email is produced.
func (provider *LocalProvider) SignUp(ctx context.Context, credentials authcore.Credentials) (*authcore.Session, *authcore.Identity, error) {
	credentials = credentials.Normalize()
	if provider.configuration.DisableSignUps {
		return nil, nil, errSignupsDisabled
	}
	if len(credentials.Password) < provider.configuration.MinPasswordLength {
		return nil, nil, fmt.Errorf("Password should be at least %d characters", provider.configuration.MinPasswordLength)
	}

	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(credentials.Password), bcrypt.DefaultCost)
	if hashErr != nil {
		return nil, nil, fmt.Errorf("local_provider.hash: %w", hashErr)
	}

	provider.mutex.Lock()
	if provider.accountsByMail[credentials.Email] != nil {
		provider.mutex.Unlock()
		return nil, nil, errAlreadyRegistered
	}
	newAccount := &account{
		id:             uuid.NewString(),
		email:          credentials.Email,
		passwordHash:   passwordHash,
		emailConfirmed: !provider.configuration.RequireEmailConfirmation,
		signInMethods:  []string{"password"},
	}
	provider.accountsByID[newAccount.id] = newAccount
	provider.accountsByMail[newAccount.email] = newAccount

	if !newAccount.emailConfirmed {
		pendingIdentity := identityForAccount(newAccount)
		provider.mutex.Unlock()
		if sendErr := provider.sendTokenEmail(newAccount, EmailConfirmSignup); sendErr != nil {
			return nil, nil, sendErr
		}
		provider.logger.Info("sign-up pending confirmation",
			zap.String("code", "local_provider.signup_pending"),
			zap.String("user_id", pendingIdentity.ID))
		return nil, pendingIdentity, nil
	}

	session, identity, startErr := provider.startSessionLocked(newAccount)
	provider.mutex.Unlock()
	if startErr != nil {
		return nil, nil, startErr
	}

	provider.logger.Info("sign-up complete",
		zap.String("code", "local_provider.signup"),
		zap.String("user_id", identity.ID))
	provider.emit(authcore.EventSignedIn, session)
	return session, identity, nil
}

// SignOut revokes the user's refresh tokens and ends the live session.
func (provider *LocalProvider) SignOut(ctx context.Context) error {
	provider.mutex.Lock()
	if provider.currentSession == nil {
		provider.mutex.Unlock()
		return errSessionMissing
	}
	signedOutUserID := provider.currentSession.UserID
	provider.currentSession = nil
	provider.mutex.Unlock()

	provider.refreshTokens.revokeAllForUser(signedOutUserID)
	provider.logger.Info("sign-out",
		zap.String("code", "local_provider.signout"),
		zap.String("user_id", signedOutUserID))
	provider.emit(authcore.EventSignedOut, nil)
	return nil
}

// SendPasswordReset emails a reset token. Unknown addresses are acknowledged
// without sending so the call does not leak which emails exist.
func (provider *LocalProvider) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if rateErr := provider.checkEmailRate(email); rateErr != nil {
		return rateErr
	}

	provider.mutex.Lock()
	existingAccount := provider.accountsByMail[email]
	provider.mutex.Unlock()
	if existingAccount == nil {
		return nil
	}
	return provider.sendTokenEmail(existingAccount, EmailPasswordReset)
}

// CompletePasswordReset consumes a reset token and installs the new password.
// A successful reset proves mailbox ownership, so it also confirms the email
// and revokes all outstanding refresh tokens.
func (provider *LocalProvider) CompletePasswordReset(ctx context.Context, token string, newPassword string) error {
	if len(newPassword) < provider.configuration.MinPasswordLength {
		return fmt.Errorf("Password should be at least %d characters", provider.configuration.MinPasswordLength)
	}
	userID, consumeErr := provider.oneTimeTokens.consume(token, EmailPasswordReset)
	if consumeErr != nil {
		return fmt.Errorf("invalid token: %w", consumeErr)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if hashErr != nil {
		return fmt.Errorf("local_provider.hash: %w", hashErr)
	}

	provider.mutex.Lock()
	existingAccount := provider.accountsByID[userID]
	if existingAccount == nil {
		provider.mutex.Unlock()
		return errors.New("User not found")
	}
	existingAccount.passwordHash = passwordHash
	existingAccount.emailConfirmed = true
	provider.mutex.Unlock()

	provider.refreshTokens.revokeAllForUser(userID)
	provider.logger.Info("password reset complete",
		zap.String("code", "local_provider.password_reset"),
		zap.String("user_id", userID))
	provider.emit(authcore.EventPasswordRecovery, nil)
	return nil
}

// SendMagicLink emails a one-time sign-in token. Unknown addresses get a
// fresh passwordless account that is confirmed when the link is redeemed.
func (provider *LocalProvider) SendMagicLink(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if rateErr := provider.checkEmailRate(email); rateErr != nil {
		return rateErr
	}
	if provider.configuration.DisableSignUps {
		provider.mutex.Lock()
		known := provider.accountsByMail[email] != nil
		provider.mutex.Unlock()
		if !known {
			return errSignupsDisabled
		}
	}

	provider.mutex.Lock()
	existingAccount := provider.accountsByMail[email]
	if existingAccount == nil {
		existingAccount = &account{
			id:            uuid.NewString(),
			email:         email,
			signInMethods: []string{"magic_link"},
		}
		provider.accountsByID[existingAccount.id] = existingAccount
		provider.accountsByMail[email] = existingAccount
	}
	provider.mutex.Unlock()

	return provider.sendTokenEmail(existingAccount, EmailMagicLink)
}

// RedeemMagicLink exchanges an emailed token for a session.
func (provider *LocalProvider) RedeemMagicLink(ctx context.Context, token string) (*authcore.Session, *authcore.Identity, error) {
	userID, consumeErr := provider.oneTimeTokens.consume(token, EmailMagicLink)
	if consumeErr != nil {
		return nil, nil, fmt.Errorf("invalid token: %w", consumeErr)
	}

	provider.mutex.Lock()
	existingAccount := provider.accountsByID[userID]
	if existingAccount == nil {
		provider.mutex.Unlock()
		return nil, nil, errors.New("User not found")
	}
	existingAccount.emailConfirmed = true
	session, identity, startErr := provider.startSessionLocked(existingAccount)
	provider.mutex.Unlock()
	if startErr != nil {
		return nil, nil, startErr
	}

	provider.emit(authcore.EventSignedIn, session)
	return session, identity, nil
}

// ConfirmEmail consumes a sign-up confirmation token.
func (provider *LocalProvider) ConfirmEmail(ctx context.Context, token string) error {
	userID, consumeErr := provider.oneTimeTokens.consume(token, EmailConfirmSignup)
	if consumeErr != nil {
		return fmt.Errorf("invalid token: %w", consumeErr)
	}
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	existingAccount := provider.accountsByID[userID]
	if existingAccount == nil {
		return errors.New("User not found")
	}
	existingAccount.emailConfirmed = true
	return nil
}

// SignInWithGoogle exchanges a verified Google ID token for a session. An
// existing account with the same email is linked rather than duplicated.
func (provider *LocalProvider) SignInWithGoogle(ctx context.Context, googleIDToken string) (*authcore.Session, *authcore.Identity, error) {
	if provider.configuration.GoogleVerifier == nil {
		return nil, nil, errors.New("local_provider.google_not_configured")
	}
	claims, verifyErr := provider.configuration.GoogleVerifier.Verify(ctx, googleIDToken, provider.configuration.GoogleClientID)
	if verifyErr != nil {
		return nil, nil, fmt.Errorf("invalid token: %w", verifyErr)
	}
	if claims.Subject == "" || claims.Email == "" || !claims.EmailVerified {
		return nil, nil, errors.New("google identity is not verified")
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))

	provider.mutex.Lock()
	existingAccount := provider.findGoogleAccountLocked(claims.Subject, email)
	if existingAccount == nil {
		if provider.configuration.DisableSignUps {
			provider.mutex.Unlock()
			return nil, nil, errSignupsDisabled
		}
		existingAccount = &account{
			id:    uuid.NewString(),
			email: email,
		}
		provider.accountsByID[existingAccount.id] = existingAccount
		provider.accountsByMail[email] = existingAccount
	}
	existingAccount.googleSubject = claims.Subject
	existingAccount.emailConfirmed = true
	if existingAccount.displayName == "" {
		existingAccount.displayName = claims.DisplayName
	}
	if existingAccount.avatarURL == "" {
		existingAccount.avatarURL = claims.AvatarURL
	}
	if !containsMethod(existingAccount.signInMethods, "google") {
		existingAccount.signInMethods = append(existingAccount.signInMethods, "google")
	}
	session, identity, startErr := provider.startSessionLocked(existingAccount)
	provider.mutex.Unlock()
	if startErr != nil {
		return nil, nil, startErr
	}

	provider.logger.Info("google sign-in",
		zap.String("code", "local_provider.google_signin"),
		zap.String("user_id", identity.ID))
	provider.emit(authcore.EventSignedIn, session)
	return session, identity, nil
}

// RefreshSession rotates the refresh token and mints a fresh access token.
// Rotation is atomic in the registry, so when two callers present the same
// opaque only one mints a session and the other observes reuse.
func (provider *LocalProvider) RefreshSession(ctx context.Context, refreshToken string) (*authcore.Session, error) {
	userID, rotatedOpaque, rotateErr := provider.refreshTokens.rotate(refreshToken, provider.configuration.RefreshTTL)
	if rotateErr != nil {
		return nil, rotateErr
	}

	provider.mutex.Lock()
	existingAccount := provider.accountsByID[userID]
	if existingAccount == nil {
		provider.mutex.Unlock()
		return nil, errRefreshTokenNotFound
	}
	session, _, sessionErr := provider.sessionWithOpaqueLocked(existingAccount, rotatedOpaque)
	provider.mutex.Unlock()
	if sessionErr != nil {
		return nil, sessionErr
	}

	provider.emit(authcore.EventTokenRefreshed, session)
	return session, nil
}

// SetSession installs a session from externally delivered tokens, such as a
// redirect URL. The access token signature and the refresh token binding are
// both verified before anything is trusted.
func (provider *LocalProvider) SetSession(ctx context.Context, accessToken string, refreshToken string) (*authcore.Session, error) {
	claims, parseErr := parseAccessToken(accessToken, provider.configuration.Issuer, provider.configuration.SigningKey)
	if parseErr != nil {
		return nil, parseErr
	}
	tokenUserID, _, validateErr := provider.refreshTokens.validate(refreshToken)
	if validateErr != nil {
		return nil, validateErr
	}
	if tokenUserID != claims.UserID {
		return nil, errRefreshTokenNotFound
	}

	session := &authcore.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    claims.ExpiresAt.Time,
		UserID:       claims.UserID,
	}

	provider.mutex.Lock()
	provider.currentSession = session.Clone()
	provider.mutex.Unlock()

	provider.emit(authcore.EventSignedIn, session)
	return session, nil
}

// UpdateProfile applies the non-nil fields of the update.
func (provider *LocalProvider) UpdateProfile(ctx context.Context, userID string, update authcore.ProfileUpdate) (*authcore.Identity, error) {
	provider.mutex.Lock()
	existingAccount := provider.accountsByID[userID]
	if existingAccount == nil {
		provider.mutex.Unlock()
		return nil, errors.New("User not found")
	}
	if update.DisplayName != nil {
		existingAccount.displayName = strings.TrimSpace(*update.DisplayName)
	}
	if update.AvatarURL != nil {
		existingAccount.avatarURL = strings.TrimSpace(*update.AvatarURL)
	}
	identity := identityForAccount(existingAccount)
	currentSession := provider.currentSession.Clone()
	provider.mutex.Unlock()

	if currentSession != nil && currentSession.UserID == userID {
		provider.emit(authcore.EventUserUpdated, currentSession)
	}
	return identity, nil
}

// OnAuthStateChange registers a listener; the returned function removes it.
func (provider *LocalProvider) OnAuthStateChange(listener authcore.AuthStateListener) func() {
	provider.listenerMutex.Lock()
	defer provider.listenerMutex.Unlock()
	provider.nextListenerID++
	listenerID := provider.nextListenerID
	provider.listeners[listenerID] = listener
	return func() {
		provider.listenerMutex.Lock()
		defer provider.listenerMutex.Unlock()
		delete(provider.listeners, listenerID)
	}
}

func (provider *LocalProvider) emit(event authcore.AuthChangeEvent, session *authcore.Session) {
	provider.listenerMutex.Lock()
	listeners := make([]authcore.AuthStateListener, 0, len(provider.listeners))
	for _, listener := range provider.listeners {
		listeners = append(listeners, listener)
	}
	provider.listenerMutex.Unlock()

	for _, listener := range listeners {
		listener(event, session.Clone())
	}
}

// startSessionLocked mints a complete session for the account. Caller holds
// provider.mutex.
func (provider *LocalProvider) startSessionLocked(forAccount *account) (*authcore.Session, *authcore.Identity, error) {
	_, refreshOpaque, issueErr := provider.refreshTokens.issue(forAccount.id, provider.configuration.RefreshTTL, "")
	if issueErr != nil {
		return nil, nil, issueErr
	}
	return provider.sessionWithOpaqueLocked(forAccount, refreshOpaque)
}

// sessionWithOpaqueLocked mints the access token for an already-issued
// refresh opaque and installs the session as current. Caller holds the mutex.
func (provider *LocalProvider) sessionWithOpaqueLocked(forAccount *account, refreshOpaque string) (*authcore.Session, *authcore.Identity, error) {
	accessToken, expiresAt, mintErr := mintAccessToken(
		forAccount.id, forAccount.email, forAccount.displayName,
		provider.configuration.Issuer, provider.configuration.SigningKey,
		provider.configuration.SessionTTL, provider.clock.Now())
	if mintErr != nil {
		return nil, nil, mintErr
	}

	session := &authcore.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		ExpiresAt:    expiresAt,
		UserID:       forAccount.id,
	}
	provider.currentSession = session.Clone()
	return session, identityForAccount(forAccount), nil
}

func (provider *LocalProvider) findGoogleAccountLocked(googleSubject string, email string) *account {
	for _, candidate := range provider.accountsByID {
		if candidate.googleSubject == googleSubject {
			return candidate
		}
	}
	return provider.accountsByMail[email]
}

func (provider *LocalProvider) sendTokenEmail(forAccount *account, purpose string) error {
	token, issueErr := provider.oneTimeTokens.issue(forAccount.id, purpose)
	if issueErr != nil {
		return issueErr
	}
	provider.outbox.append(OutboundEmail{
		To:      forAccount.email,
		Purpose: purpose,
		Token:   token,
		SentAt:  provider.clock.Now(),
	})
	provider.logger.Info("email queued",
		zap.String("code", "local_provider.email_queued"),
		zap.String("purpose", purpose))
	return nil
}

// checkEmailRate enforces the per-address minimum interval between emails.
func (provider *LocalProvider) checkEmailRate(email string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	now := provider.clock.Now()
	if lastSend, ok := provider.lastEmailSend[email]; ok {
		if now.Sub(lastSend) < provider.configuration.EmailSendInterval {
			return errEmailRateLimited
		}
	}
	provider.lastEmailSend[email] = now
	return nil
}

func identityForAccount(forAccount *account) *authcore.Identity {
	return &authcore.Identity{
		ID:             forAccount.id,
		Email:          forAccount.email,
		DisplayName:    forAccount.displayName,
		AvatarURL:      forAccount.avatarURL,
		SignInMethods:  append([]string(nil), forAccount.signInMethods...),
		EmailConfirmed: forAccount.emailConfirmed,
	}
}

func containsMethod(methods []string, method string) bool {
	for _, candidate := range methods {
		if candidate == method {
			return true
		}
	}
	return false
}
