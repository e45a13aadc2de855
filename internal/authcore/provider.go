package authcore

import (
	"context"
	"strings"
	"time"
)

// Session is the token record owned by the currently signed-in identity.
// One authoritative copy lives in the primary storage channel; a reduced
// mirror copy is written to the server-readable channel.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

// Clone returns a copy of the session so callers cannot mutate shared state.
func (session *Session) Clone() *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}

// Identity is the authenticated principal known to the identity provider.
// Read-only from this package's perspective except for the profile-update
// pass-through.
type Identity struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	DisplayName    string   `json:"display_name"`
	AvatarURL      string   `json:"avatar_url"`
	SignInMethods  []string `json:"sign_in_methods"`
	EmailConfirmed bool     `json:"email_confirmed"`
}

// Clone returns a copy of the identity.
func (identity *Identity) Clone() *Identity {
	if identity == nil {
		return nil
	}
	clone := *identity
	clone.SignInMethods = append([]string(nil), identity.SignInMethods...)
	return &clone
}

// Credentials carry an email/password pair for password-based operations.
type Credentials struct {
	Email    string
	Password string
}

// Normalize trims whitespace and lowercases the email.
func (credentials Credentials) Normalize() Credentials {
	credentials.Email = strings.ToLower(strings.TrimSpace(credentials.Email))
	return credentials
}

// ProfileUpdate describes the mutable subset of an identity. Nil fields are
// left unchanged.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// AuthChangeEvent identifies a provider-side auth state transition.
type AuthChangeEvent string

// Auth state change events emitted by the identity provider.
const (
	EventSignedIn         AuthChangeEvent = "SIGNED_IN"
	EventSignedOut        AuthChangeEvent = "SIGNED_OUT"
	EventTokenRefreshed   AuthChangeEvent = "TOKEN_REFRESHED"
	EventUserUpdated      AuthChangeEvent = "USER_UPDATED"
	EventPasswordRecovery AuthChangeEvent = "PASSWORD_RECOVERY"
)

// AuthStateListener observes provider auth state changes. The session may be
// nil for signed-out transitions and must be treated as untrusted input.
type AuthStateListener func(event AuthChangeEvent, session *Session)

// IdentityProvider is the external capability surface this core consumes.
// Every response and every error crossing this boundary is normalized into
// authcore types before any other code branches on it.
type IdentityProvider interface {
	// GetIdentity performs the authoritative "who am I" check against the
	// provider. Local session presence is not proof of authentication.
	GetIdentity(ctx context.Context) (*Identity, error)
	// GetSession returns the provider's view of the current session.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, credentials Credentials) (*Session, *Identity, error)
	SignUp(ctx context.Context, credentials Credentials) (*Session, *Identity, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	SendMagicLink(ctx context.Context, email string) error
	// SignInWithGoogle exchanges a verified Google ID token for a session.
	SignInWithGoogle(ctx context.Context, googleIDToken string) (*Session, *Identity, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	// SetSession establishes a session directly from a token pair, typically
	// recovered from a redirect-based login completing.
	SetSession(ctx context.Context, accessToken string, refreshToken string) (*Session, error)
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Identity, error)
	// OnAuthStateChange registers a listener and returns its unsubscribe.
	OnAuthStateChange(listener AuthStateListener) (unsubscribe func())
}
