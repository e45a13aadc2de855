package authcore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Storage keys are namespaced by a fixed prefix so the channels can be shared
// with unrelated application state.
const (
	// KeyPrefix namespaces every key this package writes.
	KeyPrefix = "amora.auth."
	// SessionKey holds the authoritative token record.
	SessionKey = KeyPrefix + "session"
	// VerifierKeyPrefix marks short-lived exchange artifacts such as the
	// one-time verifier used by redirect-based login flows.
	VerifierKeyPrefix = KeyPrefix + "verifier."
)

// Default lifetimes for mirrored values.
const (
	DefaultMirrorSessionTTL  = 7 * 24 * time.Hour
	DefaultMirrorVerifierTTL = 5 * time.Minute
)

// MirrorRecord is the reduced, non-sensitive copy of a token record written
// to the server-readable channel. It never carries tokens.
type MirrorRecord struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StoreAdapter persists session state across the primary channel and the
// server-readable mirror. Its read/write surface never returns errors to
// callers: every failure degrades to "absent" and is logged as a warning.
type StoreAdapter struct {
	primary           Channel
	mirror            Channel
	validator         *SessionValidator
	clock             Clock
	logger            *zap.Logger
	mirrorSessionTTL  time.Duration
	mirrorVerifierTTL time.Duration
}

// StoreAdapterConfig configures a StoreAdapter. Primary is required; every
// other field has a usable default.
type StoreAdapterConfig struct {
	Primary           Channel
	Mirror            Channel
	Validator         *SessionValidator
	Clock             Clock
	Logger            *zap.Logger
	MirrorSessionTTL  time.Duration
	MirrorVerifierTTL time.Duration
}

// NewStoreAdapter constructs the adapter, filling defaults for absent
// collaborators.
func NewStoreAdapter(configuration StoreAdapterConfig) *StoreAdapter {
	if configuration.Primary == nil {
		panic("store adapter requires a primary channel")
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	mirror := configuration.Mirror
	if mirror == nil {
		mirror = NewMemoryChannel(clock)
	}
	validator := configuration.Validator
	if validator == nil {
		validator = NewSessionValidator(clock, 0)
	}
	adapterLogger := configuration.Logger
	if adapterLogger == nil {
		adapterLogger = zap.NewNop()
	}
	mirrorSessionTTL := configuration.MirrorSessionTTL
	if mirrorSessionTTL <= 0 {
		mirrorSessionTTL = DefaultMirrorSessionTTL
	}
	mirrorVerifierTTL := configuration.MirrorVerifierTTL
	if mirrorVerifierTTL <= 0 {
		mirrorVerifierTTL = DefaultMirrorVerifierTTL
	}
	return &StoreAdapter{
		primary:           configuration.Primary,
		mirror:            mirror,
		validator:         validator,
		clock:             clock,
		logger:            adapterLogger,
		mirrorSessionTTL:  mirrorSessionTTL,
		mirrorVerifierTTL: mirrorVerifierTTL,
	}
}

// Get reads the primary channel and falls back to the mirror. Keys holding a
// token record are parsed and structurally validated before being returned;
// a malformed or expired record is deleted from both channels and reported
// as absent.
func (adapter *StoreAdapter) Get(ctx context.Context, key string) (string, bool) {
	value, found := adapter.readChannels(ctx, key)
	if !found {
		return "", false
	}
	if !isTokenRecordKey(key) {
		return value, true
	}
	session, valid := adapter.validator.ValidateShape([]byte(value))
	if !valid || adapter.validator.IsExpired(session) {
		adapter.logger.Warn("stale session record dropped",
			zap.String("code", "session_store.get.stale_record"),
			zap.String("key", key))
		adapter.Remove(ctx, key)
		return "", false
	}
	return value, true
}

// GetSession returns the stored token record after shape and expiry checks.
func (adapter *StoreAdapter) GetSession(ctx context.Context) (*Session, bool) {
	value, found := adapter.Get(ctx, SessionKey)
	if !found {
		return nil, false
	}
	session, valid := adapter.validator.ValidateShape([]byte(value))
	if !valid {
		return nil, false
	}
	return session, true
}

// ReadStoredSession returns the stored token record as written, with no
// shape or expiry enforcement. The refresh coordinator uses it: an expired
// access token is exactly the state a refresh recovers from, so expiry must
// not delete the record here, and the coordinator applies its own shape
// policy.
func (adapter *StoreAdapter) ReadStoredSession(ctx context.Context) (*Session, bool) {
	value, found := adapter.readChannels(ctx, SessionKey)
	if !found {
		return nil, false
	}
	var session Session
	if unmarshalErr := json.Unmarshal([]byte(value), &session); unmarshalErr != nil {
		adapter.logger.Warn("unparseable session record dropped",
			zap.String("code", "session_store.read.malformed_record"))
		adapter.Remove(ctx, SessionKey)
		return nil, false
	}
	return &session, true
}

// Set writes to the primary channel; token records and exchange artifacts
// are additionally mirrored with bounded lifetimes.
func (adapter *StoreAdapter) Set(ctx context.Context, key string, value string) {
	if setErr := adapter.primary.Set(ctx, key, value, 0); setErr != nil {
		adapter.logger.Warn("primary channel write failed",
			zap.String("code", "session_store.set.primary_failed"),
			zap.String("key", key),
			zap.Error(setErr))
	}
	switch {
	case isTokenRecordKey(key):
		if session, valid := adapter.validator.ValidateShape([]byte(value)); valid {
			adapter.MirrorToServerChannel(ctx, session)
		}
	case isExchangeArtifactKey(key):
		if mirrorErr := adapter.mirror.Set(ctx, key, value, adapter.mirrorVerifierTTL); mirrorErr != nil {
			adapter.logger.Warn("verifier mirror write failed",
				zap.String("code", "session_store.set.mirror_verifier_failed"),
				zap.String("key", key),
				zap.Error(mirrorErr))
		}
	}
}

// SetSession persists a token record: the authoritative copy to the primary
// channel and the reduced copy to the mirror. The two writes are independent
// operations composed here.
func (adapter *StoreAdapter) SetSession(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	adapter.WriteSession(ctx, session)
	adapter.MirrorToServerChannel(ctx, session)
}

// WriteSession writes the full token record to the primary channel only.
func (adapter *StoreAdapter) WriteSession(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	encoded, encodeErr := json.Marshal(session)
	if encodeErr != nil {
		adapter.logger.Warn("session record encode failed",
			zap.String("code", "session_store.write.encode_failed"),
			zap.Error(encodeErr))
		return
	}
	if setErr := adapter.primary.Set(ctx, SessionKey, string(encoded), 0); setErr != nil {
		adapter.logger.Warn("session record write failed",
			zap.String("code", "session_store.write.primary_failed"),
			zap.Error(setErr))
	}
}

// MirrorToServerChannel writes the reduced record for server-side readers.
// The mirror carries no tokens and expires after a bounded number of days.
func (adapter *StoreAdapter) MirrorToServerChannel(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	record := MirrorRecord{
		UserID:    session.UserID,
		ExpiresAt: session.ExpiresAt,
	}
	encoded, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		adapter.logger.Warn("mirror record encode failed",
			zap.String("code", "session_store.mirror.encode_failed"),
			zap.Error(encodeErr))
		return
	}
	if setErr := adapter.mirror.Set(ctx, SessionKey, string(encoded), adapter.mirrorSessionTTL); setErr != nil {
		adapter.logger.Warn("mirror record write failed",
			zap.String("code", "session_store.mirror.write_failed"),
			zap.Error(setErr))
	}
}

// Remove clears the key from both channels.
func (adapter *StoreAdapter) Remove(ctx context.Context, key string) {
	if deleteErr := adapter.primary.Delete(ctx, key); deleteErr != nil {
		adapter.logger.Warn("primary channel delete failed",
			zap.String("code", "session_store.remove.primary_failed"),
			zap.String("key", key),
			zap.Error(deleteErr))
	}
	if deleteErr := adapter.mirror.Delete(ctx, key); deleteErr != nil {
		adapter.logger.Warn("mirror channel delete failed",
			zap.String("code", "session_store.remove.mirror_failed"),
			zap.String("key", key),
			zap.Error(deleteErr))
	}
}

// ClearSession removes the token record from both channels.
func (adapter *StoreAdapter) ClearSession(ctx context.Context) {
	adapter.Remove(ctx, SessionKey)
}

func (adapter *StoreAdapter) readChannels(ctx context.Context, key string) (string, bool) {
	value, found, primaryErr := adapter.primary.Get(ctx, key)
	if primaryErr != nil {
		adapter.logger.Warn("primary channel read failed",
			zap.String("code", "session_store.get.primary_failed"),
			zap.String("key", key),
			zap.Error(primaryErr))
	}
	if found {
		return value, true
	}
	value, found, mirrorErr := adapter.mirror.Get(ctx, key)
	if mirrorErr != nil {
		adapter.logger.Warn("mirror channel read failed",
			zap.String("code", "session_store.get.mirror_failed"),
			zap.String("key", key),
			zap.Error(mirrorErr))
		return "", false
	}
	return value, found
}

func isTokenRecordKey(key string) bool {
	return key == SessionKey
}

func isExchangeArtifactKey(key string) bool {
	return strings.HasPrefix(key, VerifierKeyPrefix)
}
