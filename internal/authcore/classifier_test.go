package authcore

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(zaptest.NewLogger(t), fixedClock{timestamp: time.Unix(1700000000, 0)}, nil)
}

func TestClassifyInvalidCredentials(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("Invalid login credentials"), OpSignIn, nil)
	if classification.DomainError.Code != CodeInvalidCredentials {
		t.Fatalf("expected %s, got %s", CodeInvalidCredentials, classification.DomainError.Code)
	}
	if classification.ShouldRetry {
		t.Fatalf("expected invalid credentials to not be retryable")
	}
	if classification.RedirectHint != "" {
		t.Fatalf("expected no redirect hint, got %q", classification.RedirectHint)
	}
}

func TestClassifyAlreadyRegisteredAnyCase(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	for _, rawText := range []string{
		"User already registered",
		"user ALREADY REGISTERED",
		"A user with this email address has already been registered",
	} {
		classification := classifier.Classify(errors.New(rawText), OpSignUp, nil)
		if classification.DomainError.Code != CodeEmailAlreadyExists {
			t.Fatalf("expected %s for %q, got %s", CodeEmailAlreadyExists, rawText, classification.DomainError.Code)
		}
	}
}

func TestClassifyExpectedSessionMissing(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("Auth session missing!"), OpRefreshSession, nil)
	if !classification.IsExpected {
		t.Fatalf("expected session-missing error to be marked expected")
	}
	if classification.UserMessage != "Please sign in to continue." {
		t.Fatalf("expected soft message, got %q", classification.UserMessage)
	}
	if classification.DomainError.Code != CodeSessionExpired {
		t.Fatalf("expected %s, got %s", CodeSessionExpired, classification.DomainError.Code)
	}
	if !classification.ShouldRetry {
		t.Fatalf("expected session-class code to be retryable")
	}
	if classification.RedirectHint != RedirectSignIn {
		t.Fatalf("expected sign-in redirect, got %q", classification.RedirectHint)
	}
}

func TestClassifyOrderedTableFirstMatchWins(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	// Mentions both credentials and a token; the credentials rule is earlier.
	classification := classifier.Classify(errors.New("invalid credentials while exchanging token"), OpSignIn, nil)
	if classification.DomainError.Code != CodeInvalidCredentials {
		t.Fatalf("expected first-match %s, got %s", CodeInvalidCredentials, classification.DomainError.Code)
	}
}

func TestClassifyFallsThroughToGenericError(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("some unheard-of provider condition"), OpSignIn, nil)
	if classification.DomainError.Code != CodeAuthentication {
		t.Fatalf("expected generic code, got %s", classification.DomainError.Code)
	}
	if classification.ShouldRetry {
		t.Fatalf("expected generic failures to not be retryable")
	}
}

func TestClassifyEmailNotConfirmedRedirect(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("Email not confirmed"), OpSignIn, nil)
	if classification.DomainError.Code != CodeEmailNotConfirmed {
		t.Fatalf("expected %s, got %s", CodeEmailNotConfirmed, classification.DomainError.Code)
	}
	if classification.RedirectHint != RedirectConfirmEmail {
		t.Fatalf("expected confirmation redirect, got %q", classification.RedirectHint)
	}
}

func TestClassifyRateLimitedNotRetryable(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("Request rate limit reached"), OpMagicLink, nil)
	if classification.DomainError.Code != CodeRateLimited {
		t.Fatalf("expected %s, got %s", CodeRateLimited, classification.DomainError.Code)
	}
	if classification.ShouldRetry {
		t.Fatalf("rate-limited failures require waiting, not automatic retry")
	}
}

func TestClassifyExternalServiceRetryable(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("network timeout contacting provider"), OpSignIn, nil)
	if classification.DomainError.Code != CodeExternalService {
		t.Fatalf("expected %s, got %s", CodeExternalService, classification.DomainError.Code)
	}
	if !classification.ShouldRetry {
		t.Fatalf("expected external-service failures to be retryable")
	}
}

func TestClassifyCarriesOperationContext(t *testing.T) {
	t.Parallel()

	classifier := newTestClassifier(t)
	classification := classifier.Classify(errors.New("boom"), OpSignUp, map[string]string{"user_agent": "test-agent"})
	if classification.LogContext["operation"] != string(OpSignUp) {
		t.Fatalf("expected operation in log context, got %q", classification.LogContext["operation"])
	}
	if classification.LogContext["user_agent"] != "test-agent" {
		t.Fatalf("expected extra context to be merged")
	}
	if classification.LogContext["timestamp"] == "" {
		t.Fatalf("expected timestamp in log context")
	}
}

func TestIsExpectedAuthError(t *testing.T) {
	t.Parallel()

	for _, rawText := range []string{
		"Auth session missing!",
		"session missing",
		"no session found for request",
		"session_not_found",
	} {
		if !IsExpectedAuthError(errors.New(rawText)) {
			t.Fatalf("expected %q to match the expected phrase set", rawText)
		}
	}
	if IsExpectedAuthError(errors.New("database on fire")) {
		t.Fatalf("expected unrelated error to not match")
	}
	if IsExpectedAuthError(nil) {
		t.Fatalf("expected nil error to not match")
	}
}

func TestEveryCodeHasExactlyOneUserMessage(t *testing.T) {
	t.Parallel()

	codes := []ErrorCode{
		CodeInvalidCredentials, CodeUserNotFound, CodeEmailNotConfirmed,
		CodeEmailAlreadyExists, CodeWeakPassword, CodeSignupDisabled,
		CodeSessionExpired, CodeTokenInvalid, CodeRateLimited,
		CodeProfileUpdateFailed, CodePasswordResetFailed, CodeMagicLinkFailed,
		CodeAuthentication, CodeValidation, CodeExternalService, CodeInternal,
	}
	for _, code := range codes {
		if UserMessageForCode(code) == "" {
			t.Fatalf("expected a user message for %s", code)
		}
	}
}
