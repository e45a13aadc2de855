package local

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amora-app/amora/internal/authcore"
)

var (
	errRefreshTokenNotFound = errors.New("Invalid Refresh Token: Refresh Token Not Found")
	errRefreshTokenUsed     = errors.New("Invalid Refresh Token: Already Used")

	// ErrOneTimeTokenNotFound indicates the token was never issued or was
	// already consumed.
	ErrOneTimeTokenNotFound = errors.New("one_time_token.not_found")
	// ErrOneTimeTokenExpired indicates the token expired before consumption.
	ErrOneTimeTokenExpired = errors.New("one_time_token.expired")
)

const opaqueTokenByteLength = 32

func generateOpaqueToken() (string, string, error) {
	randomBytes := make([]byte, opaqueTokenByteLength)
	if _, randErr := rand.Read(randomBytes); randErr != nil {
		return "", "", fmt.Errorf("local_provider.random: %w", randErr)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaqueToken(opaque), nil
}

func hashOpaqueToken(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// refreshTokenRegistry issues rotating opaque refresh tokens. Only the SHA-256
// hash of an opaque is retained; presenting a revoked opaque is treated as
// reuse and surfaces a terminal error.
type refreshTokenRegistry struct {
	mutex      sync.Mutex
	byID       map[string]*refreshTokenRecord
	byHash     map[string]string
	clock      authcore.Clock
	sequenceID uint64
}

type refreshTokenRecord struct {
	tokenID         string
	userID          string
	hash            string
	expiresAt       time.Time
	revokedAt       time.Time
	previousTokenID string
}

func newRefreshTokenRegistry(clock authcore.Clock) *refreshTokenRegistry {
	return &refreshTokenRegistry{
		byID:   make(map[string]*refreshTokenRecord),
		byHash: make(map[string]string),
		clock:  clock,
	}
}

// issue mints a new opaque for the user, optionally linked to the token it
// rotates out.
func (registry *refreshTokenRegistry) issue(userID string, ttl time.Duration, previousTokenID string) (string, string, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return registry.issueLocked(userID, ttl, previousTokenID)
}

func (registry *refreshTokenRegistry) issueLocked(userID string, ttl time.Duration, previousTokenID string) (string, string, error) {
	opaque, hashValue, generateErr := generateOpaqueToken()
	if generateErr != nil {
		return "", "", generateErr
	}
	registry.sequenceID++
	tokenID := fmt.Sprintf("%s-%d", base64.RawURLEncoding.EncodeToString([]byte(registry.clock.Now().Format(time.RFC3339Nano))), registry.sequenceID)

	registry.byID[tokenID] = &refreshTokenRecord{
		tokenID:         tokenID,
		userID:          userID,
		hash:            hashValue,
		expiresAt:       registry.clock.Now().Add(ttl),
		previousTokenID: previousTokenID,
	}
	registry.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// validate resolves an opaque back to its user. Unknown and expired opaques
// report not-found; revoked opaques report reuse.
func (registry *refreshTokenRegistry) validate(opaque string) (string, string, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return registry.validateLocked(opaque)
}

func (registry *refreshTokenRegistry) validateLocked(opaque string) (string, string, error) {
	tokenID, ok := registry.byHash[hashOpaqueToken(opaque)]
	if !ok {
		return "", "", errRefreshTokenNotFound
	}
	record := registry.byID[tokenID]
	if record == nil {
		return "", "", errRefreshTokenNotFound
	}
	if !record.revokedAt.IsZero() {
		return "", "", errRefreshTokenUsed
	}
	if registry.clock.Now().After(record.expiresAt) {
		return "", "", errRefreshTokenNotFound
	}
	return record.userID, record.tokenID, nil
}

// rotate validates the opaque, revokes its record, and issues the linked
// replacement under one lock. Two concurrent presentations of the same opaque
// cannot both succeed: the loser observes the revocation as reuse.
func (registry *refreshTokenRegistry) rotate(opaque string, ttl time.Duration) (string, string, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	userID, currentTokenID, validateErr := registry.validateLocked(opaque)
	if validateErr != nil {
		return "", "", validateErr
	}
	registry.byID[currentTokenID].revokedAt = registry.clock.Now()
	_, rotatedOpaque, issueErr := registry.issueLocked(userID, ttl, currentTokenID)
	if issueErr != nil {
		return "", "", issueErr
	}
	return userID, rotatedOpaque, nil
}

func (registry *refreshTokenRegistry) revoke(tokenID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	record := registry.byID[tokenID]
	if record == nil || !record.revokedAt.IsZero() {
		return
	}
	record.revokedAt = registry.clock.Now()
}

// revokeAllForUser ends every outstanding token for a user, used on sign-out.
func (registry *refreshTokenRegistry) revokeAllForUser(userID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	now := registry.clock.Now()
	for _, record := range registry.byID {
		if record.userID == userID && record.revokedAt.IsZero() {
			record.revokedAt = now
		}
	}
}

// oneTimeTokenStore issues single-use tokens for email confirmation, magic
// links, and password resets. A token is invalidated on first consumption.
type oneTimeTokenStore struct {
	mutex   sync.Mutex
	entries map[string]oneTimeTokenEntry
	ttl     time.Duration
	clock   authcore.Clock
}

type oneTimeTokenEntry struct {
	userID    string
	purpose   string
	expiresAt time.Time
}

func newOneTimeTokenStore(ttl time.Duration, clock authcore.Clock) *oneTimeTokenStore {
	return &oneTimeTokenStore{
		entries: make(map[string]oneTimeTokenEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *oneTimeTokenStore) issue(userID string, purpose string) (string, error) {
	token, _, generateErr := generateOpaqueToken()
	if generateErr != nil {
		return "", generateErr
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = oneTimeTokenEntry{
		userID:    userID,
		purpose:   purpose,
		expiresAt: store.clock.Now().Add(store.ttl),
	}
	return token, nil
}

func (store *oneTimeTokenStore) consume(token string, purpose string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()

	entry, ok := store.entries[token]
	if !ok || entry.purpose != purpose {
		return "", ErrOneTimeTokenNotFound
	}
	delete(store.entries, token)
	if store.clock.Now().After(entry.expiresAt) {
		return "", ErrOneTimeTokenExpired
	}
	return entry.userID, nil
}

func (store *oneTimeTokenStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for token, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, token)
		}
	}
}
