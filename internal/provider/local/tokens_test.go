package local

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRefreshRegistryExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	registry := newRefreshTokenRegistry(clock)
	_, opaque, issueErr := registry.issue("user-1", time.Hour, "")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	if userID, _, validateErr := registry.validate(opaque); validateErr != nil || userID != "user-1" {
		t.Fatalf("expected valid token, got user %q err %v", userID, validateErr)
	}
	clock.Advance(2 * time.Hour)
	if _, _, validateErr := registry.validate(opaque); !errors.Is(validateErr, errRefreshTokenNotFound) {
		t.Fatalf("expected not-found after expiry, got %v", validateErr)
	}
}

func TestRefreshRegistryRevokedTokenReportsReuse(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	registry := newRefreshTokenRegistry(clock)
	tokenID, opaque, issueErr := registry.issue("user-1", time.Hour, "")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}
	registry.revoke(tokenID)

	if _, _, validateErr := registry.validate(opaque); !errors.Is(validateErr, errRefreshTokenUsed) {
		t.Fatalf("expected reuse error, got %v", validateErr)
	}
}

func TestRefreshRegistryRotateAdmitsOneCaller(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	registry := newRefreshTokenRegistry(clock)
	_, opaque, issueErr := registry.issue("user-1", time.Hour, "")
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	const attempts = 16
	var waitGroup sync.WaitGroup
	rotated := make(chan string, attempts)
	failures := make(chan error, attempts)
	for range [attempts]struct{}{} {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, rotatedOpaque, rotateErr := registry.rotate(opaque, time.Hour)
			if rotateErr != nil {
				failures <- rotateErr
				return
			}
			rotated <- rotatedOpaque
		}()
	}
	waitGroup.Wait()
	close(rotated)
	close(failures)

	if len(rotated) != 1 {
		t.Fatalf("expected exactly one rotation to win, got %d", len(rotated))
	}
	for rotateErr := range failures {
		if !errors.Is(rotateErr, errRefreshTokenUsed) {
			t.Fatalf("expected losers to observe reuse, got %v", rotateErr)
		}
	}
	replacement := <-rotated
	if userID, _, validateErr := registry.validate(replacement); validateErr != nil || userID != "user-1" {
		t.Fatalf("expected the replacement to validate, got user %q err %v", userID, validateErr)
	}
	if _, _, validateErr := registry.validate(opaque); !errors.Is(validateErr, errRefreshTokenUsed) {
		t.Fatalf("expected the rotated-out opaque to report reuse, got %v", validateErr)
	}
}

func TestOneTimeTokenSingleUse(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := newOneTimeTokenStore(15*time.Minute, clock)
	token, issueErr := store.issue("user-1", EmailMagicLink)
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	if _, consumeErr := store.consume(token, EmailPasswordReset); !errors.Is(consumeErr, ErrOneTimeTokenNotFound) {
		t.Fatalf("expected a purpose mismatch to report not-found, got %v", consumeErr)
	}
	userID, consumeErr := store.consume(token, EmailMagicLink)
	if consumeErr != nil || userID != "user-1" {
		t.Fatalf("expected consumption to succeed, got user %q err %v", userID, consumeErr)
	}
	if _, secondErr := store.consume(token, EmailMagicLink); !errors.Is(secondErr, ErrOneTimeTokenNotFound) {
		t.Fatalf("expected reuse to report not-found, got %v", secondErr)
	}
}

func TestOneTimeTokenExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := newOneTimeTokenStore(15*time.Minute, clock)
	token, issueErr := store.issue("user-1", EmailPasswordReset)
	if issueErr != nil {
		t.Fatalf("issue: %v", issueErr)
	}

	clock.Advance(16 * time.Minute)
	if _, consumeErr := store.consume(token, EmailPasswordReset); !errors.Is(consumeErr, ErrOneTimeTokenNotFound) && !errors.Is(consumeErr, ErrOneTimeTokenExpired) {
		t.Fatalf("expected an expiry failure, got %v", consumeErr)
	}
}
