package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/amora-app/amora/internal/authcore"
	"github.com/amora-app/amora/internal/provider/local"
	"github.com/amora-app/amora/internal/web"
	"github.com/amora-app/amora/pkg/mirrorsession"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleVerifier = func() local.GoogleVerifier {
	return local.NewGoogleVerifier()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "amora",
		Short:   "Amora auth service with JWT sessions, rotating refresh tokens, and a server-readable session mirror",
		PreRunE: prepareAppConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; leave empty to disable Google sign-in")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().Duration("session_ttl", time.Hour, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("token_buffer", 5*time.Minute, "Treat sessions as expired this long before their actual expiry")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for the session mirror channel (postgres:// or sqlite://; leave empty for in-memory)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("require_email_confirmation", false, "Require email confirmation before password sign-in")
	rootCmd.Flags().Bool("disable_signups", false, "Reject new registrations while keeping existing accounts working")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("session_ttl", rootCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("token_buffer", rootCmd.Flags().Lookup("token_buffer"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("require_email_confirmation", rootCmd.Flags().Lookup("require_email_confirmation"))
	_ = viper.BindPFlag("disable_signups", rootCmd.Flags().Lookup("disable_signups"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	appJWTIssuer = "amora"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidTokenBuffer      = "config.invalid_token_buffer"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const appConfigContextKey contextKey = "appConfig"

// appConfig is the validated subset of configuration that runServer depends
// on; runtime toggles are read from viper directly.
type appConfig struct {
	SigningKey               []byte
	SessionTTL               time.Duration
	RefreshTTL               time.Duration
	TokenBuffer              time.Duration
	GoogleWebClientID        string
	CookieDomain             string
	RequireEmailConfirmation bool
	DisableSignUps           bool
}

func prepareAppConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := LoadAppConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, appConfigContextKey, configuration))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadAppConfig reads and validates configuration from viper.
func LoadAppConfig() (appConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return appConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	tokenBuffer := viper.GetDuration("token_buffer")
	if tokenBuffer < 0 {
		return appConfig{}, configError(configCodeInvalidTokenBuffer, "token_buffer must not be negative")
	}

	return appConfig{
		SigningKey:               []byte(jwtSigningKey),
		SessionTTL:               sessionTTL,
		RefreshTTL:               refreshTTL,
		TokenBuffer:              tokenBuffer,
		GoogleWebClientID:        viper.GetString("google_web_client_id"),
		CookieDomain:             viper.GetString("cookie_domain"),
		RequireEmailConfirmation: viper.GetBool("require_email_confirmation"),
		DisableSignUps:           viper.GetBool("disable_signups"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(appConfigContextKey)
	}
	configuration, ok := contextValue.(appConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := authcore.NewSystemClock()
	metricsRecorder := authcore.NewCounterMetrics()
	sessionValidator := authcore.NewSessionValidator(clock, configuration.TokenBuffer)

	var mirrorChannel authcore.Channel
	if databaseURL != "" {
		databaseChannel, channelErr := authcore.NewDatabaseChannel(context.Background(), databaseURL, clock)
		if channelErr != nil {
			return channelErr
		}
		mirrorChannel = databaseChannel
		logger.Info("using persistent mirror channel", zap.String("driver", databaseChannel.Driver()))
	} else {
		logger.Info("using in-memory mirror channel")
	}

	sessionStore := authcore.NewStoreAdapter(authcore.StoreAdapterConfig{
		Primary:   authcore.NewMemoryChannel(clock),
		Mirror:    mirrorChannel,
		Validator: sessionValidator,
		Clock:     clock,
		Logger:    logger,
	})

	var googleVerifier local.GoogleVerifier
	if configuration.GoogleWebClientID != "" {
		googleVerifier = buildGoogleVerifier()
	}
	identityProvider, providerErr := local.NewLocalProvider(local.Config{
		SigningKey:               configuration.SigningKey,
		Issuer:                   appJWTIssuer,
		SessionTTL:               configuration.SessionTTL,
		RefreshTTL:               configuration.RefreshTTL,
		RequireEmailConfirmation: configuration.RequireEmailConfirmation,
		DisableSignUps:           configuration.DisableSignUps,
		GoogleClientID:           configuration.GoogleWebClientID,
		GoogleVerifier:           googleVerifier,
		Clock:                    clock,
		Logger:                   logger,
	})
	if providerErr != nil {
		return providerErr
	}

	facade, facadeErr := authcore.NewAuthFacade(authcore.FacadeConfig{
		Provider:  identityProvider,
		Store:     sessionStore,
		Validator: sessionValidator,
		Logger:    logger,
		Metrics:   metricsRecorder,
		Clock:     clock,
	})
	if facadeErr != nil {
		return facadeErr
	}
	defer facade.Close()

	sameSiteMode := http.SameSiteStrictMode
	if enableCORS {
		sameSiteMode = http.SameSiteNoneMode
	}
	web.MountAuthRoutes(router, facade, web.Config{
		CookieDomain:      configuration.CookieDomain,
		SameSiteMode:      sameSiteMode,
		AllowInsecureHTTP: devInsecureHTTP,
	}, logger)

	// Read-only consumers see the session through the mirror cookie only.
	mirrorReader := mirrorsession.New(mirrorsession.Config{Clock: clock})
	protected := router.Group("/api")
	protected.Use(mirrorReader.GinMiddleware(""))
	protected.GET("/whoami", func(contextGin *gin.Context) {
		record := contextGin.MustGet(mirrorsession.DefaultContextKey).(mirrorsession.Record)
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id": record.UserID,
			"email":   record.Email,
			"expires": record.ExpiresAt,
		})
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
