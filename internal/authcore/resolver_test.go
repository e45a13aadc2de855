package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newResolverFixture(t *testing.T, provider *fakeProvider, clock Clock) (*IdentityResolver, *MemoryChannel) {
	t.Helper()
	primary := NewMemoryChannel(clock)
	validator := NewSessionValidator(clock, 0)
	store := NewStoreAdapter(StoreAdapterConfig{
		Primary:   primary,
		Mirror:    NewMemoryChannel(clock),
		Validator: validator,
		Clock:     clock,
		Logger:    zaptest.NewLogger(t),
	})
	refresher := NewRefreshCoordinator(provider, store, validator, zaptest.NewLogger(t), nil)
	resolver := NewIdentityResolver(provider, store, validator, refresher, zaptest.NewLogger(t))
	return resolver, primary
}

func TestResolveExpectedUnauthenticated(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		getIdentityFunc: func(ctx context.Context) (*Identity, error) {
			return nil, errors.New("Auth session missing!")
		},
	}
	resolver, _ := newResolverFixture(t, provider, fixedClock{timestamp: time.Unix(1700000000, 0).UTC()})

	resolution := resolver.Resolve(context.Background())
	if resolution.Identity != nil {
		t.Fatalf("expected no identity, got %+v", resolution.Identity)
	}
	if resolution.Err != nil {
		t.Fatalf("expected a normal guest result, got error %v", resolution.Err)
	}
}

func TestResolveUnexpectedFailure(t *testing.T) {
	t.Parallel()

	providerErr := errors.New("provider exploded")
	provider := &fakeProvider{
		getIdentityFunc: func(ctx context.Context) (*Identity, error) {
			return nil, providerErr
		},
	}
	resolver, _ := newResolverFixture(t, provider, fixedClock{timestamp: time.Unix(1700000000, 0).UTC()})

	resolution := resolver.Resolve(context.Background())
	if resolution.Identity != nil {
		t.Fatalf("expected no identity")
	}
	if !errors.Is(resolution.Err, providerErr) {
		t.Fatalf("expected raw error surfaced, got %v", resolution.Err)
	}
}

func TestResolveReturnsIdentityWithLocalMetadata(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	identity := &Identity{ID: "user-1", Email: "amelie@example.com"}
	provider := &fakeProvider{
		getIdentityFunc: func(ctx context.Context) (*Identity, error) {
			return identity, nil
		},
	}
	resolver, primary := newResolverFixture(t, provider, fixedClock{timestamp: now})

	valid := &Session{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    now.Add(time.Hour),
		UserID:       "user-1",
	}
	encoded, _ := json.Marshal(valid)
	_ = primary.Set(context.Background(), SessionKey, string(encoded), 0)

	resolution := resolver.Resolve(context.Background())
	if resolution.Err != nil {
		t.Fatalf("unexpected error: %v", resolution.Err)
	}
	if resolution.Identity == nil || resolution.Identity.ID != "user-1" {
		t.Fatalf("expected identity, got %+v", resolution.Identity)
	}
	if resolution.Session == nil || !resolution.Session.ExpiresAt.Equal(valid.ExpiresAt) {
		t.Fatalf("expected local session metadata, got %+v", resolution.Session)
	}
}

func TestResolveRefreshesExpiredLocalSession(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	identity := &Identity{ID: "user-1", Email: "amelie@example.com"}
	refreshed := &Session{
		AccessToken:  "fresh",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    now.Add(time.Hour),
		UserID:       "user-1",
	}
	provider := &fakeProvider{
		getIdentityFunc: func(ctx context.Context) (*Identity, error) {
			return identity, nil
		},
		refreshFunc: func(ctx context.Context, refreshToken string) (*Session, error) {
			return refreshed, nil
		},
	}
	resolver, primary := newResolverFixture(t, provider, fixedClock{timestamp: now})

	expired := &Session{
		AccessToken:  "old",
		RefreshToken: "old-refresh",
		ExpiresAt:    now.Add(-time.Minute),
		UserID:       "user-1",
	}
	encoded, _ := json.Marshal(expired)
	_ = primary.Set(context.Background(), SessionKey, string(encoded), 0)

	resolution := resolver.Resolve(context.Background())
	if resolution.Err != nil {
		t.Fatalf("unexpected error: %v", resolution.Err)
	}
	if resolution.Session == nil || resolution.Session.AccessToken != "fresh" {
		t.Fatalf("expected refreshed session metadata, got %+v", resolution.Session)
	}
}

func TestResolveIgnoresCachedSessionAsProof(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	provider := &fakeProvider{
		getIdentityFunc: func(ctx context.Context) (*Identity, error) {
			return nil, errors.New("Auth session missing!")
		},
	}
	resolver, primary := newResolverFixture(t, provider, fixedClock{timestamp: now})

	// A perfectly valid cached record must not make Resolve report signed-in.
	cached := &Session{
		AccessToken:  "forged",
		RefreshToken: "forged-refresh",
		ExpiresAt:    now.Add(time.Hour),
		UserID:       "user-1",
	}
	encoded, _ := json.Marshal(cached)
	_ = primary.Set(context.Background(), SessionKey, string(encoded), 0)

	resolution := resolver.Resolve(context.Background())
	if resolution.Identity != nil || resolution.Err != nil {
		t.Fatalf("expected guest resolution despite cached session, got %+v", resolution)
	}
}
