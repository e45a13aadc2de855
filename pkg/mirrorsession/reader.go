package mirrorsession

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "mirror_session"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "amora_mirror"

// Sentinel errors exposed by the reader.
var (
	ErrMissingCookie      = errors.New("mirror_session.missing_cookie")
	ErrMissingValue       = errors.New("mirror_session.missing_value")
	ErrMalformedRecord    = errors.New("mirror_session.malformed_record")
	ErrIncompleteRecord   = errors.New("mirror_session.incomplete_record")
	ErrRecordExpired      = errors.New("mirror_session.expired")
	ErrMissingRequestData = errors.New("mirror_session.missing_request")
)

// Record is the non-sensitive session metadata mirrored into a cookie by the
// auth service. It never carries tokens; server-side consumers use it to
// personalize responses, not to authorize anything.
type Record struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Encode serializes a record into the cookie wire format.
func Encode(record Record) (string, error) {
	serialized, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return "", fmt.Errorf("mirror_session.encode: %w", marshalErr)
	}
	return base64.RawURLEncoding.EncodeToString(serialized), nil
}

// Config configures the Reader.
type Config struct {
	CookieName string
	Clock      Clock
}

// Reader decodes and validates mirror session cookies.
type Reader struct {
	cookieName string
	clock      Clock
}

// New constructs a Reader; zero-value fields default.
func New(configuration Config) *Reader {
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Reader{cookieName: cookieName, clock: clock}
}

// Parse decodes the cookie wire format without checking expiry.
func (reader *Reader) Parse(value string) (Record, error) {
	if strings.TrimSpace(value) == "" {
		return Record{}, fmt.Errorf("mirror_session.parse: %w", ErrMissingValue)
	}
	decoded, decodeErr := base64.RawURLEncoding.DecodeString(value)
	if decodeErr != nil {
		return Record{}, fmt.Errorf("mirror_session.parse: %w", ErrMalformedRecord)
	}
	var record Record
	if unmarshalErr := json.Unmarshal(decoded, &record); unmarshalErr != nil {
		return Record{}, fmt.Errorf("mirror_session.parse: %w", ErrMalformedRecord)
	}
	return record, nil
}

// Validate checks a parsed record for completeness and expiry.
func (reader *Reader) Validate(record Record) error {
	if strings.TrimSpace(record.UserID) == "" || record.ExpiresAt.IsZero() {
		return fmt.Errorf("mirror_session.validate: %w", ErrIncompleteRecord)
	}
	if reader.clock.Now().After(record.ExpiresAt) {
		return fmt.Errorf("mirror_session.validate: %w", ErrRecordExpired)
	}
	return nil
}

// FromRequest reads the configured cookie, parses it, and validates it.
func (reader *Reader) FromRequest(request *http.Request) (Record, error) {
	if request == nil {
		return Record{}, fmt.Errorf("mirror_session.from_request: %w", ErrMissingRequestData)
	}
	cookie, cookieErr := request.Cookie(reader.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return Record{}, fmt.Errorf("mirror_session.from_request: %w", ErrMissingCookie)
	}
	record, parseErr := reader.Parse(cookie.Value)
	if parseErr != nil {
		return Record{}, parseErr
	}
	if validateErr := reader.Validate(record); validateErr != nil {
		return Record{}, validateErr
	}
	return record, nil
}

// GinMiddleware validates the mirror cookie and injects the record. Requests
// without a valid record are rejected with 401.
func (reader *Reader) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		record, readErr := reader.FromRequest(contextGin.Request)
		if readErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, record)
		contextGin.Next()
	}
}
