package web

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amora-app/amora/internal/authcore"
	"github.com/amora-app/amora/pkg/mirrorsession"
)

// Config configures cookie behavior for the auth routes.
type Config struct {
	MirrorCookieName string
	CookieDomain     string
	SameSiteMode     http.SameSite
	// AllowInsecureHTTP relaxes the HTTPS requirement and the Secure cookie
	// flag for local development.
	AllowInsecureHTTP bool
}

func (configuration Config) cookieName() string {
	if strings.TrimSpace(configuration.MirrorCookieName) == "" {
		return mirrorsession.DefaultCookieName
	}
	return configuration.MirrorCookieName
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type googleRequest struct {
	GoogleIDToken string `json:"google_id_token"`
}

// MountAuthRoutes registers the auth endpoints behind the facade.
func MountAuthRoutes(router gin.IRouter, facade *authcore.AuthFacade, configuration Config, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/signup", func(contextGin *gin.Context) {
		var inbound credentialsRequest
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		result := facade.SignUp(contextGin.Request.Context(), authcore.Credentials{Email: inbound.Email, Password: inbound.Password})
		renderResult(contextGin, configuration, result)
	})

	router.POST("/auth/signin", func(contextGin *gin.Context) {
		var inbound credentialsRequest
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		result := facade.SignIn(contextGin.Request.Context(), authcore.Credentials{Email: inbound.Email, Password: inbound.Password})
		renderResult(contextGin, configuration, result)
	})

	router.POST("/auth/signout", func(contextGin *gin.Context) {
		result := facade.SignOut(contextGin.Request.Context())
		clearMirrorCookie(contextGin, configuration)
		renderResult(contextGin, configuration, result)
	})

	router.POST("/auth/reset-password", func(contextGin *gin.Context) {
		var inbound emailRequest
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		renderResult(contextGin, configuration, facade.ResetPassword(contextGin.Request.Context(), inbound.Email))
	})

	router.POST("/auth/magic-link", func(contextGin *gin.Context) {
		var inbound emailRequest
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		renderResult(contextGin, configuration, facade.SendMagicLink(contextGin.Request.Context(), inbound.Email))
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound googleRequest
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		result := facade.SignInWithGoogle(contextGin.Request.Context(), inbound.GoogleIDToken)
		renderResult(contextGin, configuration, result)
	})

	router.GET("/auth/me", func(contextGin *gin.Context) {
		resolution := facade.Resolve(contextGin.Request.Context())
		if resolution.Err != nil {
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   string(authcore.CodeExternalService),
				"message": authcore.UserMessageForCode(authcore.CodeExternalService),
			})
			return
		}
		if resolution.Identity == nil {
			contextGin.JSON(http.StatusUnauthorized, gin.H{"authenticated": false})
			return
		}
		if resolution.Session != nil {
			writeMirrorCookie(contextGin, configuration, resolution.Session, resolution.Identity)
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"authenticated":   true,
			"user_id":         resolution.Identity.ID,
			"email":           resolution.Identity.Email,
			"display_name":    resolution.Identity.DisplayName,
			"avatar_url":      resolution.Identity.AvatarURL,
			"sign_in_methods": resolution.Identity.SignInMethods,
		})
	})

	router.GET("/auth/loading/:operation", func(contextGin *gin.Context) {
		operation, known := authcore.KnownOperation(contextGin.Param("operation"))
		if !known {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_operation"})
			return
		}
		state, active := facade.GetOperationState(operation)
		contextGin.JSON(http.StatusOK, gin.H{
			"operation":  string(operation),
			"is_loading": active && state.IsLoading,
			"message":    state.Message,
			"progress":   state.Progress,
		})
	})
}

func renderResult(contextGin *gin.Context, configuration Config, result authcore.AuthResult) {
	if result.Err != nil {
		renderFailure(contextGin, result)
		return
	}
	if result.Session != nil {
		writeMirrorCookie(contextGin, configuration, result.Session, result.Identity)
	}

	payload := gin.H{"success": true}
	if result.Identity != nil {
		payload["user_id"] = result.Identity.ID
		payload["email"] = result.Identity.Email
		payload["display_name"] = result.Identity.DisplayName
		payload["email_confirmed"] = result.Identity.EmailConfirmed
	}
	if result.AutoLoginAttempted {
		payload["auto_login_attempted"] = true
	}
	contextGin.JSON(http.StatusOK, payload)
}

func renderFailure(contextGin *gin.Context, result authcore.AuthResult) {
	status := http.StatusInternalServerError
	payload := gin.H{"error": string(authcore.CodeInternal)}
	if result.ErrorResult != nil && result.ErrorResult.DomainError != nil {
		classification := result.ErrorResult
		status = classification.DomainError.Status
		payload = gin.H{
			"error":     string(classification.DomainError.Code),
			"message":   classification.UserMessage,
			"retryable": classification.ShouldRetry,
		}
		if classification.RedirectHint != "" {
			payload["redirect"] = classification.RedirectHint
		}
	}
	if result.AutoLoginAttempted {
		payload["auto_login_attempted"] = true
	}
	contextGin.AbortWithStatusJSON(status, payload)
}

// writeMirrorCookie puts the non-sensitive session metadata where server-side
// read-only consumers can see it. Tokens never enter the cookie.
func writeMirrorCookie(contextGin *gin.Context, configuration Config, session *authcore.Session, identity *authcore.Identity) {
	email := ""
	if identity != nil {
		email = identity.Email
	}
	encoded, encodeErr := mirrorsession.Encode(mirrorsession.Record{
		UserID:    session.UserID,
		Email:     email,
		ExpiresAt: session.ExpiresAt,
	})
	if encodeErr != nil {
		return
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.cookieName(),
		Value:    encoded,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  session.ExpiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearMirrorCookie(contextGin *gin.Context, configuration Config) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.cookieName(),
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
