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

	"github.com/MarcoPoloResearchLab/cinesync/internal/auth"
	"github.com/MarcoPoloResearchLab/cinesync/internal/batch"
	"github.com/MarcoPoloResearchLab/cinesync/internal/config"
	"github.com/MarcoPoloResearchLab/cinesync/internal/database"
	"github.com/MarcoPoloResearchLab/cinesync/internal/history"
	"github.com/MarcoPoloResearchLab/cinesync/internal/logging"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/MarcoPoloResearchLab/cinesync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/cinesync/internal/server"
	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"github.com/MarcoPoloResearchLab/cinesync/internal/supervisor"
	"github.com/MarcoPoloResearchLab/cinesync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cinesync-api",
		Short: "Watch history and playback progress sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path (stderr only when empty)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("default-source", defaults.GetString("sources.default"), "Fallback playback source")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "sources.default", "default-source")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionClaims{UserID: userID})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:      appConfig.LogLevel,
		File:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	catalog, err := sources.NewCatalog(sources.DefaultEntries(), appConfig.DefaultSource)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, catalog, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Policy:   sources.PreferencePolicy{AllowPassive: appConfig.AllowPassivePreference},
	})
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Requests: appConfig.RateLimitRequests,
		Window:   appConfig.RateLimitWindow,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()

	historyService, err := history.NewService(history.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   history.NewUUIDProvider(),
		Logger:       logger,
		Catalog:      catalog,
		Preferences:  userService,
		Limiter:      limiter,
		Notifier:     realtime,
		RetentionCap: appConfig.RetentionCap,
	})
	if err != nil {
		return err
	}

	queue, err := batch.NewQueue(batch.Config{
		Sink:          batch.SinkFunc(historyService.Apply),
		FlushInterval: appConfig.BatchFlushInterval,
		MaxPending:    appConfig.BatchMaxPending,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	historyService.SetQueue(queue)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identities:       userService,
		History:          historyService,
		Preferences:      userService,
		Normalizer:       progress.NewNormalizer(progress.NormalizerConfig{Catalog: catalog, Clock: time.Now}),
		Catalog:          catalog,
		Realtime:         realtime,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
		RetryAfter:       limiter.Window(),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := supervisor.New("cinesync", supervisor.Config{ShutdownTimeout: shutdownTimeout}, logger)
	root.Add(queue)
	root.Add(supervisor.NewHTTPService(httpServer, shutdownTimeout, logger))

	logger.Info("server starting",
		zap.String("address", appConfig.HTTPAddress),
		zap.String("default_source", catalog.Default()),
		zap.Int("retention_cap", appConfig.RetentionCap))

	err = <-root.ServeBackground(signalCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
