package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/shell/api"
	"github.com/artpar/conductor/internal/shell/audit"
	"github.com/artpar/conductor/internal/shell/store"
)

// =============================================================================
// Server
// =============================================================================

// Server serves the read-only API and forwards audit events.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	forwarder  *audit.Forwarder
	logger     *slog.Logger
}

// NewServer creates a server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(cfg.Pipeline.Profile, nil, nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	srv := &Server{
		config: cfg,
		store:  s,
		logger: logger,
	}
	srv.httpServer = &http.Server{
		Addr: cfg.Server.Address(),
		Handler: api.NewRouter(api.Config{
			Store:    s,
			Registry: reg,
			Token:    cfg.Server.Token,
			Version:  Version,
			Logger:   logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Audit.CollectorURL != "" {
		srv.forwarder = audit.NewForwarder(audit.ForwarderConfig{
			Store: s,
			Client: audit.NewHTTPClient(audit.HTTPConfig{
				URL:   cfg.Audit.CollectorURL,
				Token: cfg.Audit.Token,
			}),
			Interval:  cfg.Audit.Interval,
			BatchSize: cfg.Audit.BatchSize,
			Logger:    logger,
		})
	}
	return srv, nil
}

// Start serves until ctx is cancelled or the listener fails, then shuts
// down.
func (s *Server) Start(ctx context.Context) error {
	if s.forwarder != nil {
		go s.forwarder.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = err
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil && serveErr == nil {
		return err
	}
	if serveErr != nil {
		return configError("listen", serveErr)
	}
	return nil
}

// Shutdown stops the HTTP server, flushes pending audit events and closes
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", "error", err)
		firstErr = fmt.Errorf("shutdown: %w", err)
	}

	if s.forwarder != nil {
		s.forwarder.Stop()
		if n := s.forwarder.Flush(ctx); n > 0 {
			s.logger.Info("flushed audit events", "count", n)
		}
	}

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = storeError("close store", err)
	}
	s.logger.Info("server stopped")
	return firstErr
}

func newServeCommand(c *cli) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only execution API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("host") {
				c.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				c.cfg.Server.Port = port
			}
			if _, err := capability.ParseProfile(c.cfg.Pipeline.Profile); err != nil {
				return configError("pipeline.profile", err)
			}

			srv, err := NewServer(c.cfg, c.logger)
			if err != nil {
				return err
			}
			c.logger.Info("starting conductor", "version", Version, "config", c.configPath)
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	return cmd
}
