package authcore

import (
	"context"
	"sync"
	"time"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock(start time.Time) *controllableClock {
	return &controllableClock{current: start}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

// fakeProvider implements IdentityProvider with overridable call sites.
type fakeProvider struct {
	mutex     sync.Mutex
	listeners []AuthStateListener

	getIdentityFunc    func(ctx context.Context) (*Identity, error)
	getSessionFunc     func(ctx context.Context) (*Session, error)
	signInFunc         func(ctx context.Context, credentials Credentials) (*Session, *Identity, error)
	signUpFunc         func(ctx context.Context, credentials Credentials) (*Session, *Identity, error)
	signOutFunc        func(ctx context.Context) error
	passwordResetFunc  func(ctx context.Context, email string) error
	magicLinkFunc      func(ctx context.Context, email string) error
	googleSignInFunc   func(ctx context.Context, googleIDToken string) (*Session, *Identity, error)
	refreshFunc        func(ctx context.Context, refreshToken string) (*Session, error)
	setSessionFunc     func(ctx context.Context, accessToken string, refreshToken string) (*Session, error)
	updateProfileFunc  func(ctx context.Context, userID string, update ProfileUpdate) (*Identity, error)
	signOutInvocations int
}

func (provider *fakeProvider) GetIdentity(ctx context.Context) (*Identity, error) {
	if provider.getIdentityFunc == nil {
		return nil, nil
	}
	return provider.getIdentityFunc(ctx)
}

func (provider *fakeProvider) GetSession(ctx context.Context) (*Session, error) {
	if provider.getSessionFunc == nil {
		return nil, nil
	}
	return provider.getSessionFunc(ctx)
}

func (provider *fakeProvider) SignInWithPassword(ctx context.Context, credentials Credentials) (*Session, *Identity, error) {
	if provider.signInFunc == nil {
		return nil, nil, nil
	}
	return provider.signInFunc(ctx, credentials)
}

func (provider *fakeProvider) SignUp(ctx context.Context, credentials Credentials) (*Session, *Identity, error) {
	if provider.signUpFunc == nil {
		return nil, nil, nil
	}
	return provider.signUpFunc(ctx, credentials)
}

func (provider *fakeProvider) SignOut(ctx context.Context) error {
	provider.mutex.Lock()
	provider.signOutInvocations++
	provider.mutex.Unlock()
	if provider.signOutFunc == nil {
		return nil
	}
	return provider.signOutFunc(ctx)
}

func (provider *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	if provider.passwordResetFunc == nil {
		return nil
	}
	return provider.passwordResetFunc(ctx, email)
}

func (provider *fakeProvider) SendMagicLink(ctx context.Context, email string) error {
	if provider.magicLinkFunc == nil {
		return nil
	}
	return provider.magicLinkFunc(ctx, email)
}

func (provider *fakeProvider) SignInWithGoogle(ctx context.Context, googleIDToken string) (*Session, *Identity, error) {
	if provider.googleSignInFunc == nil {
		return nil, nil, nil
	}
	return provider.googleSignInFunc(ctx, googleIDToken)
}

func (provider *fakeProvider) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if provider.refreshFunc == nil {
		return nil, nil
	}
	return provider.refreshFunc(ctx, refreshToken)
}

func (provider *fakeProvider) SetSession(ctx context.Context, accessToken string, refreshToken string) (*Session, error) {
	if provider.setSessionFunc == nil {
		return &Session{AccessToken: accessToken, RefreshToken: refreshToken}, nil
	}
	return provider.setSessionFunc(ctx, accessToken, refreshToken)
}

func (provider *fakeProvider) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Identity, error) {
	if provider.updateProfileFunc == nil {
		return nil, nil
	}
	return provider.updateProfileFunc(ctx, userID, update)
}

func (provider *fakeProvider) OnAuthStateChange(listener AuthStateListener) func() {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.listeners = append(provider.listeners, listener)
	index := len(provider.listeners) - 1
	return func() {
		provider.mutex.Lock()
		defer provider.mutex.Unlock()
		provider.listeners[index] = nil
	}
}

func (provider *fakeProvider) emit(event AuthChangeEvent, session *Session) {
	provider.mutex.Lock()
	listeners := append([]AuthStateListener(nil), provider.listeners...)
	provider.mutex.Unlock()
	for _, listener := range listeners {
		if listener != nil {
			listener(event, session)
		}
	}
}

func (provider *fakeProvider) signOutCalls() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.signOutInvocations
}
