package authcore

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Redirect hints attached to classifications that should move the user to a
// different surface.
const (
	RedirectSignIn       = "/signin"
	RedirectConfirmEmail = "/confirm-email"
)

// Classification bundles everything a calling surface needs to react to a
// classified failure.
type Classification struct {
	DomainError *DomainAuthError
	UserMessage string
	ShouldRetry bool
	// RedirectHint is empty when no redirect applies.
	RedirectHint string
	// IsExpected marks conditions that are a normal steady state for guests,
	// such as "no session", so log severity can be downgraded.
	IsExpected bool
	LogContext map[string]string
}

// expectedAuthPhrases are provider messages that mean "not currently signed
// in", which is an expected result for guests rather than a failure.
var expectedAuthPhrases = []string{
	"auth session missing",
	"session missing",
	"no session",
	"session_not_found",
	"not authenticated",
	"no current user",
}

// IsExpectedAuthError reports whether the raw error text matches the
// expected unauthenticated phrase set.
func IsExpectedAuthError(rawError error) bool {
	if rawError == nil {
		return false
	}
	lowered := strings.ToLower(rawError.Error())
	for _, phrase := range expectedAuthPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

type classificationRule struct {
	substrings  []string
	code        ErrorCode
	status      int
	shouldRetry bool
	redirect    string
	expected    bool
}

// The table is ordered; the first matching rule wins. Matching is
// case-insensitive substring containment against the raw provider text.
var classificationRules = []classificationRule{
	{
		substrings: []string{"invalid login credentials", "invalid credentials", "invalid email or password"},
		code:       CodeInvalidCredentials,
		status:     http.StatusUnauthorized,
	},
	{
		substrings: []string{"user not found", "no user found"},
		code:       CodeUserNotFound,
		status:     http.StatusNotFound,
	},
	{
		substrings: []string{"email not confirmed", "email is not confirmed"},
		code:       CodeEmailNotConfirmed,
		status:     http.StatusForbidden,
		redirect:   RedirectConfirmEmail,
	},
	{
		substrings: []string{"already registered", "already exists", "already been registered"},
		code:       CodeEmailAlreadyExists,
		status:     http.StatusConflict,
	},
	{
		substrings: []string{"weak password", "password should be", "password is too short"},
		code:       CodeWeakPassword,
		status:     http.StatusUnprocessableEntity,
	},
	{
		substrings: []string{"signup disabled", "signups not allowed", "signup is disabled"},
		code:       CodeSignupDisabled,
		status:     http.StatusForbidden,
	},
	{
		substrings:  []string{"auth session missing", "session missing", "no session", "session_not_found"},
		code:        CodeSessionExpired,
		status:      http.StatusUnauthorized,
		shouldRetry: true,
		redirect:    RedirectSignIn,
		expected:    true,
	},
	{
		substrings:  []string{"session expired", "session is expired", "invalid session"},
		code:        CodeSessionExpired,
		status:      http.StatusUnauthorized,
		shouldRetry: true,
		redirect:    RedirectSignIn,
	},
	{
		substrings:  []string{"refresh token", "token is invalid", "token expired", "token is expired", "invalid token", "invalid jwt", "jwt expired"},
		code:        CodeTokenInvalid,
		status:      http.StatusUnauthorized,
		shouldRetry: true,
		redirect:    RedirectSignIn,
	},
	{
		substrings: []string{"rate limit", "too many requests", "over_email_send_rate_limit"},
		code:       CodeRateLimited,
		status:     http.StatusTooManyRequests,
	},
	{
		substrings:  []string{"network", "timeout", "connection refused", "service unavailable", "upstream"},
		code:        CodeExternalService,
		status:      http.StatusServiceUnavailable,
		shouldRetry: true,
	},
}

// userFacingMessages maps every code to exactly one stable, friendly
// sentence. Raw provider text is never shown to the end user.
var userFacingMessages = map[ErrorCode]string{
	CodeInvalidCredentials:  "The email or password you entered is incorrect.",
	CodeUserNotFound:        "We could not find an account for that email.",
	CodeEmailNotConfirmed:   "Please confirm your email address before signing in.",
	CodeEmailAlreadyExists:  "An account with this email already exists.",
	CodeWeakPassword:        "Please choose a stronger password.",
	CodeSignupDisabled:      "New sign-ups are currently closed.",
	CodeSessionExpired:      "Your session has expired. Please sign in again.",
	CodeTokenInvalid:        "Your sign-in is no longer valid. Please sign in again.",
	CodeRateLimited:         "Too many attempts. Please wait a moment and try again.",
	CodeProfileUpdateFailed: "We could not update your profile. Please try again.",
	CodePasswordResetFailed: "We could not send the password reset email. Please try again.",
	CodeMagicLinkFailed:     "We could not send the sign-in link. Please try again.",
	CodeAuthentication:      "Something went wrong while signing you in. Please try again.",
	CodeValidation:          "Please check the highlighted fields and try again.",
	CodeExternalService:     "Our sign-in service is briefly unavailable. Please try again.",
	CodeInternal:            "Something went wrong on our side. Please try again.",
}

const expectedSessionMessage = "Please sign in to continue."

// UserMessageForCode returns the stable sentence for a code.
func UserMessageForCode(code ErrorCode) string {
	if message, ok := userFacingMessages[code]; ok {
		return message
	}
	return userFacingMessages[CodeAuthentication]
}

// Classifier maps raw provider errors into the closed domain taxonomy.
type Classifier struct {
	logger  *zap.Logger
	clock   Clock
	metrics MetricsRecorder
}

// NewClassifier constructs a classifier; nil collaborators get defaults.
func NewClassifier(classifierLogger *zap.Logger, clock Clock, metrics MetricsRecorder) *Classifier {
	if classifierLogger == nil {
		classifierLogger = zap.NewNop()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Classifier{logger: classifierLogger, clock: clock, metrics: metrics}
}

// Classify maps a raw provider error to its classification. The operation
// name and extra context flow into the log fields of the resulting error.
func (classifier *Classifier) Classify(rawError error, operation Operation, extraContext map[string]string) Classification {
	logContext := map[string]string{
		"operation": string(operation),
		"timestamp": classifier.clock.Now().Format(time.RFC3339),
	}
	for key, value := range extraContext {
		logContext[key] = value
	}

	rawText := ""
	if rawError != nil {
		rawText = rawError.Error()
	}
	lowered := strings.ToLower(rawText)

	rule, matched := matchRule(lowered)
	code := CodeAuthentication
	status := http.StatusUnauthorized
	shouldRetry := false
	redirect := ""
	expected := false
	if matched {
		code = rule.code
		status = rule.status
		shouldRetry = rule.shouldRetry
		redirect = rule.redirect
		expected = rule.expected
	}

	userMessage := UserMessageForCode(code)
	if expected {
		userMessage = expectedSessionMessage
	}

	domainError := NewDomainAuthError(code, rawText, status, logContext)
	classification := Classification{
		DomainError:  domainError,
		UserMessage:  userMessage,
		ShouldRetry:  shouldRetry,
		RedirectHint: redirect,
		IsExpected:   expected,
		LogContext:   logContext,
	}

	classifier.metrics.Increment("auth.classify." + string(code))
	if expected {
		classifier.logger.Info("expected unauthenticated state",
			zap.String("code", string(code)),
			zap.String("operation", string(operation)))
	} else {
		classifier.logger.Error("auth operation failed",
			zap.String("code", string(code)),
			zap.String("operation", string(operation)),
			zap.String("raw_error", rawText),
			zap.Any("context", logContext))
	}
	return classification
}

func matchRule(lowered string) (classificationRule, bool) {
	for _, rule := range classificationRules {
		for _, substring := range rule.substrings {
			if strings.Contains(lowered, substring) {
				return rule, true
			}
		}
	}
	return classificationRule{}, false
}
