package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"gitcms/internal/config"
	"gitcms/internal/logging"
)

// OpenDB opens the badger database at path; an empty path is in memory.
func OpenDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	return badger.Open(opts)
}

// Run serves the gateway described by cfg until ctx is done.
func Run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	db, err := OpenDB(cfg.Gateway.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	repo, err := OpenRepository(cfg.Gateway.RepoPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	gw, err := New(repo, db, Options{
		AuthorName:  cfg.Gateway.AuthorName,
		AuthorEmail: cfg.Gateway.AuthorEmail,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(cfg.Server.Tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("address", addr), zap.String("repo", cfg.Gateway.RepoPath))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}
