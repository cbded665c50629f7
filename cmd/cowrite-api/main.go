package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cowrite-labs/cowrite/backend/internal/auth"
	"github.com/cowrite-labs/cowrite/backend/internal/collab"
	"github.com/cowrite-labs/cowrite/backend/internal/config"
	"github.com/cowrite-labs/cowrite/backend/internal/crdt"
	"github.com/cowrite-labs/cowrite/backend/internal/database"
	"github.com/cowrite-labs/cowrite/backend/internal/documents"
	"github.com/cowrite-labs/cowrite/backend/internal/logging"
	"github.com/cowrite-labs/cowrite/backend/internal/server"
	"github.com/cowrite-labs/cowrite/backend/internal/snapshots"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cowrite-api",
		Short: "Cowrite collaborative editing backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

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
	cmd.PersistentFlags().String("snapshots-path", defaults.GetString("snapshots.path"), "Snapshot store directory")
	cmd.PersistentFlags().String("idp-jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("idp-audience", defaults.GetString("idp.audience"), "Identity provider token audience")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("collab.debounce_ms"), "Materialization debounce window in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "snapshots.path", "snapshots-path")
	bindFlag(cmd, "idp.jwks_url", "idp-jwks-url")
	bindFlag(cmd, "idp.audience", "idp-audience")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "collab.debounce_ms", "debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	snapshotStore, err := snapshots.Open(snapshots.StoreConfig{
		Path:   appConfig.SnapshotPath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer snapshotStore.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "cowrite-auth",
		Audience:      "cowrite-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	verifier, err := auth.NewOIDCVerifier(auth.OIDCVerifierConfig{
		Audience:       appConfig.IDPAudience,
		JWKSURL:        appConfig.IDPJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gateway := server.NewDocumentsGateway(documentsService)
	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Engine:         crdt.NewBlockEngine(),
		Snapshots:      snapshotStore,
		Access:         gateway,
		Canonical:      gateway,
		DebounceWindow: appConfig.DebounceWindow,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	connections, err := collab.NewConnectionManager(collab.ConnectionManagerConfig{
		Registry: registry,
		Identity: tokenManager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Tokens:      tokenManager,
		Documents:   documentsService,
		Connections: connections,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Flush pending materializations and snapshots before the stores close.
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("collaboration shutdown incomplete", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
