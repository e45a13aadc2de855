package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, clock Clock) (*StoreAdapter, *MemoryChannel, *MemoryChannel) {
	t.Helper()
	primary := NewMemoryChannel(clock)
	mirror := NewMemoryChannel(clock)
	adapter := NewStoreAdapter(StoreAdapterConfig{
		Primary:   primary,
		Mirror:    mirror,
		Validator: NewSessionValidator(clock, 0),
		Clock:     clock,
		Logger:    zaptest.NewLogger(t),
	})
	return adapter, primary, mirror
}

func validTestSession(now time.Time) *Session {
	return &Session{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    now.Add(time.Hour),
		UserID:       "user-1",
	}
}

func TestGetReturnsAbsentForMalformedRecord(t *testing.T) {
	t.Parallel()

	clock := fixedClock{timestamp: time.Unix(1700000000, 0).UTC()}
	adapter, primary, _ := newTestStore(t, clock)
	ctx := context.Background()

	_ = primary.Set(ctx, SessionKey, "{definitely not json", 0)
	if _, found := adapter.Get(ctx, SessionKey); found {
		t.Fatalf("expected malformed record to be absent")
	}
	if _, found, _ := primary.Get(ctx, SessionKey); found {
		t.Fatalf("expected malformed record to be deleted")
	}
}

func TestGetReturnsAbsentForExpiredRecord(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{timestamp: now}
	adapter, primary, mirror := newTestStore(t, clock)
	ctx := context.Background()

	expired := validTestSession(now)
	expired.ExpiresAt = now.Add(-time.Minute)
	encoded, _ := json.Marshal(expired)
	_ = primary.Set(ctx, SessionKey, string(encoded), 0)
	_ = mirror.Set(ctx, SessionKey, "mirror-copy", 0)

	if _, found := adapter.Get(ctx, SessionKey); found {
		t.Fatalf("expected expired record to be absent")
	}
	if _, found, _ := primary.Get(ctx, SessionKey); found {
		t.Fatalf("expected expired record removed from primary")
	}
	if _, found, _ := mirror.Get(ctx, SessionKey); found {
		t.Fatalf("expected expired record removed from mirror")
	}
}

func TestGetFallsBackToMirror(t *testing.T) {
	t.Parallel()

	clock := fixedClock{timestamp: time.Unix(1700000000, 0).UTC()}
	adapter, _, mirror := newTestStore(t, clock)
	ctx := context.Background()

	_ = mirror.Set(ctx, KeyPrefix+"theme", "dusk", 0)
	value, found := adapter.Get(ctx, KeyPrefix+"theme")
	if !found || value != "dusk" {
		t.Fatalf("expected mirror fallback to return value, got %q found=%v", value, found)
	}
}

func TestSetSessionWritesReducedMirrorCopy(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{timestamp: now}
	adapter, primary, mirror := newTestStore(t, clock)
	ctx := context.Background()

	session := validTestSession(now)
	adapter.SetSession(ctx, session)

	primaryValue, found, _ := primary.Get(ctx, SessionKey)
	if !found {
		t.Fatalf("expected authoritative copy in primary channel")
	}
	var storedSession Session
	if err := json.Unmarshal([]byte(primaryValue), &storedSession); err != nil {
		t.Fatalf("primary copy should be a full record: %v", err)
	}
	if storedSession.RefreshToken != session.RefreshToken {
		t.Fatalf("expected full record in primary, got %+v", storedSession)
	}

	mirrorValue, found, _ := mirror.Get(ctx, SessionKey)
	if !found {
		t.Fatalf("expected reduced copy in mirror channel")
	}
	var mirrorRecord MirrorRecord
	if err := json.Unmarshal([]byte(mirrorValue), &mirrorRecord); err != nil {
		t.Fatalf("mirror copy should be a reduced record: %v", err)
	}
	if mirrorRecord.UserID != session.UserID {
		t.Fatalf("expected user id in mirror record, got %+v", mirrorRecord)
	}
	if strings.Contains(mirrorValue, session.AccessToken) || strings.Contains(mirrorValue, session.RefreshToken) {
		t.Fatalf("mirror record must never carry tokens: %s", mirrorValue)
	}
}

func TestVerifierKeysMirroredWithShortLifetime(t *testing.T) {
	t.Parallel()

	clock := newControllableClock(time.Unix(1700000000, 0).UTC())
	adapter, _, mirror := newTestStore(t, clock)
	ctx := context.Background()

	verifierKey := VerifierKeyPrefix + "oauth-state"
	adapter.Set(ctx, verifierKey, "one-time-verifier")

	if _, found, _ := mirror.Get(ctx, verifierKey); !found {
		t.Fatalf("expected verifier mirrored for server-side exchange")
	}

	clock.Advance(10 * time.Minute)
	if _, found, _ := mirror.Get(ctx, verifierKey); found {
		t.Fatalf("expected verifier mirror to expire within minutes")
	}
}

func TestRemoveClearsBothChannels(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{timestamp: now}
	adapter, primary, mirror := newTestStore(t, clock)
	ctx := context.Background()

	adapter.SetSession(ctx, validTestSession(now))
	adapter.Remove(ctx, SessionKey)

	if _, found, _ := primary.Get(ctx, SessionKey); found {
		t.Fatalf("expected primary cleared")
	}
	if _, found, _ := mirror.Get(ctx, SessionKey); found {
		t.Fatalf("expected mirror cleared")
	}
}

func TestReadStoredSessionKeepsExpiredRecords(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{timestamp: now}
	adapter, primary, _ := newTestStore(t, clock)
	ctx := context.Background()

	expired := validTestSession(now)
	expired.ExpiresAt = now.Add(-time.Minute)
	encoded, _ := json.Marshal(expired)
	_ = primary.Set(ctx, SessionKey, string(encoded), 0)

	stored, present := adapter.ReadStoredSession(ctx)
	if !present {
		t.Fatalf("expected expired record to stay readable for refresh")
	}
	if stored.RefreshToken != expired.RefreshToken {
		t.Fatalf("expected refresh token to survive, got %q", stored.RefreshToken)
	}
}

type failingChannel struct{}

func (failingChannel) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("channel down")
}

func (failingChannel) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return errors.New("channel down")
}

func (failingChannel) Delete(ctx context.Context, key string) error {
	return errors.New("channel down")
}

func TestAdapterNeverEscalatesChannelFailures(t *testing.T) {
	t.Parallel()

	adapter := NewStoreAdapter(StoreAdapterConfig{
		Primary: failingChannel{},
		Mirror:  failingChannel{},
		Logger:  zap.NewNop(),
	})
	ctx := context.Background()

	if _, found := adapter.Get(ctx, SessionKey); found {
		t.Fatalf("expected failures to degrade to absent")
	}
	adapter.Set(ctx, KeyPrefix+"anything", "value")
	adapter.SetSession(ctx, validTestSession(time.Now().UTC()))
	adapter.Remove(ctx, SessionKey)
}
