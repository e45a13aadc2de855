package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	ErrWildcardCORSOrigin = errors.New("cors.wildcard_origin_forbidden")
	ErrNoCORSOrigins      = errors.New("cors.no_origins_configured")
	ErrBadCORSOrigin      = errors.New("cors.malformed_origin")
)

// ConfigureCORS builds middleware that admits credentialed requests from the
// listed origins. The mirror cookie rides on credentials, so every origin must
// be named explicitly; "*" is refused.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	admitted := make([]string, 0, len(allowedOrigins))
	seen := make(map[string]struct{}, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if candidate == "*" {
			return nil, ErrWildcardCORSOrigin
		}
		normalized, normalizeErr := normalizeOrigin(candidate)
		if normalizeErr != nil {
			return nil, normalizeErr
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}
		if strings.HasPrefix(normalized, "http://") && !isLoopbackOrigin(normalized) {
			logger.Warn("plaintext cors origin admitted",
				zap.String("code", "cors.origin.plaintext"),
				zap.String("origin", normalized))
		}
		admitted = append(admitted, normalized)
	}
	if len(admitted) == 0 {
		return nil, ErrNoCORSOrigins
	}
	sort.Strings(admitted)

	return cors.New(cors.Config{
		AllowOrigins:     admitted,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With", "X-Client"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// normalizeOrigin reduces a configured origin to scheme://host. Anything
// beyond that (path, query, fragment, userinfo) indicates a misconfigured
// value rather than an origin.
func normalizeOrigin(candidate string) (string, error) {
	parsed, parseErr := url.Parse(candidate)
	if parseErr != nil {
		return "", fmt.Errorf("%w: %q", ErrBadCORSOrigin, candidate)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https":
		return "", fmt.Errorf("%w: %q has scheme %q", ErrBadCORSOrigin, candidate, parsed.Scheme)
	case parsed.Host == "":
		return "", fmt.Errorf("%w: %q has no host", ErrBadCORSOrigin, candidate)
	case parsed.User != nil:
		return "", fmt.Errorf("%w: %q carries userinfo", ErrBadCORSOrigin, candidate)
	case parsed.Path != "" && parsed.Path != "/":
		return "", fmt.Errorf("%w: %q carries a path", ErrBadCORSOrigin, candidate)
	case parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("%w: %q carries query or fragment", ErrBadCORSOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackOrigin(origin string) bool {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil {
		return false
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
