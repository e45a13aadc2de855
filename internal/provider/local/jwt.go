package local

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are embedded in every access token the provider mints.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

func mintAccessToken(userID string, userEmail string, userDisplayName string, issuer string, signingKey []byte, ttl time.Duration, issuedAt time.Time) (string, time.Time, error) {
	issuedAt = issuedAt.UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:          userID,
		UserEmail:       userEmail,
		UserDisplayName: userDisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("local_provider.mint: %w", signErr)
	}
	return signed, expiresAt, nil
}

func parseAccessToken(accessToken string, issuer string, signingKey []byte) (*SessionClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(accessToken, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("local_provider.parse: invalid JWT")
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims.Issuer != issuer {
		return nil, fmt.Errorf("local_provider.parse: invalid JWT issuer")
	}
	return claims, nil
}
