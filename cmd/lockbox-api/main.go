package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lockbox/internal/config"
	"github.com/MarcoPoloResearchLab/lockbox/internal/database"
	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
	"github.com/MarcoPoloResearchLab/lockbox/internal/logging"
	"github.com/MarcoPoloResearchLab/lockbox/internal/server"
	"github.com/MarcoPoloResearchLab/lockbox/internal/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lockbox-api",
		Short: "Lockbox vault synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Hard-delete expired vault tombstones and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context())
		},
	}
	rootCmd.AddCommand(pruneCmd)

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite vault database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int64("retention-seconds", defaults.GetInt64("retention.seconds"), "Tombstone retention window in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "retention.seconds", "retention-seconds")
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

func newVaultService(logger *zap.Logger, appConfig config.AppConfig) (*vault.Service, func() error, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: vault.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}

	return vaultService, sqlDB.Close, nil
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

	vaultService, closeDB, err := newVaultService(logger, appConfig)
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		VaultService: vaultService,
		Dispatcher:   server.NewRealtimeDispatcher(),
		Logger:       logger,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runPrune(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	vaultService, closeDB, err := newVaultService(logger, appConfig)
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	result, err := vaultService.Prune(ctx, appConfig.RetentionSeconds)
	if err != nil {
		return err
	}

	for _, table := range engine.SortedTableNames(result.Stats) {
		logger.Info("table pruned",
			zap.String("table", table),
			zap.Int("rows_purged", result.Stats[table]))
	}
	return nil
}
