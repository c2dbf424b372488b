// Package app initializes and runs the labeling service.
// It configures logging, storage, the credential store, the token
// authority and routing, and handles graceful shutdown.
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/akarpenko/pairlabel/internal/config"
	"github.com/akarpenko/pairlabel/internal/credentials"
	"github.com/akarpenko/pairlabel/internal/db/memorystorage"
	"github.com/akarpenko/pairlabel/internal/db/postgresdb"
	"github.com/akarpenko/pairlabel/internal/db/storage"
	"github.com/akarpenko/pairlabel/internal/ipchecker"
	"github.com/akarpenko/pairlabel/internal/logger"
	"github.com/akarpenko/pairlabel/internal/router"
	"github.com/akarpenko/pairlabel/internal/tokens"
	"github.com/akarpenko/pairlabel/internal/tokensweeper"
)

// App encapsulates the configuration, HTTP handler, storage backend and
// the background revocation sweeper of the labeling service.
type App struct {
	cfg         *config.Config
	db          storage.Storage
	stopSweeper context.CancelFunc
	httpHandler http.Handler
}

// New initializes a new instance of App by:
// - loading configuration
// - initializing logger
// - selecting and setting up storage
// - wiring the credential store and the token authority
// - starting the revocation sweeper
// - setting up the router and middleware
func New() (*App, error) {
	var err error
	app := &App{}

	app.cfg, err = config.New()
	if err != nil {
		return nil, err
	}

	err = logger.Init(app.cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	app.db, err = getStorage(app.cfg)
	if err != nil {
		return nil, err
	}

	tokenSigningSecretKey, err := base64.URLEncoding.DecodeString(app.cfg.TokenSigningSecretKey)
	if err != nil {
		return nil, err
	}

	tokenAuthority := tokens.New(
		app.db,
		tokenSigningSecretKey,
		app.cfg.AccessTokenTTL,
		app.cfg.RefreshTokenTTL,
	)

	sweeper := tokensweeper.New(app.db, app.cfg.RevocationsSweepInterval)
	sweeperRunCtx, stopSweeper := context.WithCancel(context.Background())
	app.stopSweeper = stopSweeper

	sweeper.Run(sweeperRunCtx)
	sweeper.ListenErrors(func(err error) {
		logger.Log.Debugln("Error passed from the `sweeper.ListenErrors()`:", zap.Error(err))
	})

	adminGuard, err := ipchecker.New(app.cfg.TrustedSubnet)
	if err != nil {
		return nil, err
	}

	app.httpHandler = router.New(
		credentials.New(app.db),
		tokenAuthority,
		app.db,
		adminGuard,
		app.cfg.StaticDir,
	)

	return app, nil
}

// Run starts the HTTP server with graceful shutdown support.
// It listens for system signals and cleans up resources upon termination.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log.Infoln("server running", "RunAddr", a.cfg.RunAddr)

	server := &http.Server{
		Addr:    a.cfg.RunAddr,
		Handler: a.httpHandler,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Log.Infoln("Received shutdown signal. Closing storage and exiting...")
		a.stopSweeper()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		return a.db.Close()

	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Close finalizes resources used by App such as logging.
func (a *App) Close() {
	if err := logger.Sync(); err != nil {
		fmt.Println("Logger sync error:", err)
	}
}

func getStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseDSN != "" {
		return postgresdb.New(
			context.Background(),
			cfg.DatabaseDSN,
			cfg.DBConnectionTimeout,
			cfg.MigrationsDir,
		)
	}

	return memorystorage.New()
}
