package local

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

// GoogleClaims is the subset of a verified Google ID token the provider
// consumes.
type GoogleClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

// GoogleVerifier validates a Google ID token against an OAuth client ID.
type GoogleVerifier interface {
	Verify(ctx context.Context, googleIDToken string, audience string) (GoogleClaims, error)
}

type googleAPIVerifier struct{}

// NewGoogleVerifier returns a verifier backed by Google's public certificates.
func NewGoogleVerifier() GoogleVerifier {
	return googleAPIVerifier{}
}

func (googleAPIVerifier) Verify(ctx context.Context, googleIDToken string, audience string) (GoogleClaims, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return GoogleClaims{}, fmt.Errorf("google.validator: %w", validatorErr)
	}
	payload, validateErr := validator.Validate(ctx, googleIDToken, audience)
	if validateErr != nil {
		return GoogleClaims{}, fmt.Errorf("google.invalid_token: %w", validateErr)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return GoogleClaims{}, errors.New("google.invalid_issuer")
	}
	subject, _ := payload.Claims["sub"].(string)
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)
	return GoogleClaims{
		Subject:       subject,
		Email:         email,
		EmailVerified: emailVerified,
		DisplayName:   displayName,
		AvatarURL:     avatarURL,
	}, nil
}
