package authcore

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultExpiryBuffer is subtracted from the stored expiry so sessions are
// treated as expired slightly before the provider would reject them.
const DefaultExpiryBuffer = 5 * time.Minute

// SessionValidator performs structural and expiry checks on token records.
type SessionValidator struct {
	clock  Clock
	buffer time.Duration
}

// NewSessionValidator constructs a validator. A non-positive buffer falls
// back to DefaultExpiryBuffer; a nil clock falls back to the system clock.
func NewSessionValidator(clock Clock, buffer time.Duration) *SessionValidator {
	if clock == nil {
		clock = NewSystemClock()
	}
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	return &SessionValidator{clock: clock, buffer: buffer}
}

// Buffer exposes the configured expiry buffer.
func (validator *SessionValidator) Buffer() time.Duration {
	return validator.buffer
}

// IsExpired reports whether the session expiry, minus the configured buffer,
// is at or before the current instant. Absent records count as expired.
func (validator *SessionValidator) IsExpired(session *Session) bool {
	return validator.IsExpiredWithBuffer(session, validator.buffer)
}

// IsExpiredWithBuffer behaves like IsExpired with an explicit buffer.
func (validator *SessionValidator) IsExpiredWithBuffer(session *Session, buffer time.Duration) bool {
	if session == nil || session.ExpiresAt.IsZero() {
		return true
	}
	deadline := session.ExpiresAt.Add(-buffer)
	return !validator.clock.Now().Before(deadline)
}

// ValidateSession reports whether every required token-record field is
// present: access token, refresh token, expiry, and owning identity id.
func (validator *SessionValidator) ValidateSession(session *Session) bool {
	if session == nil {
		return false
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return false
	}
	if strings.TrimSpace(session.RefreshToken) == "" {
		return false
	}
	if strings.TrimSpace(session.UserID) == "" {
		return false
	}
	return !session.ExpiresAt.IsZero()
}

// ValidateShape parses raw bytes as a token record and validates it
// structurally. Malformed input is simply invalid, never an error.
func (validator *SessionValidator) ValidateShape(raw []byte) (*Session, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var session Session
	if unmarshalErr := json.Unmarshal(raw, &session); unmarshalErr != nil {
		return nil, false
	}
	if !validator.ValidateSession(&session) {
		return nil, false
	}
	return &session, true
}
