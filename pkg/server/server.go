// Package server assembles the forum server: stores, registries, the
// control-plane dispatcher, the data-plane transfer listener, and the
// optional metrics and admin HTTP servers, with one graceful shutdown path.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/threadline/threadline/internal/dispatch"
	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/internal/transfer"
	"github.com/threadline/threadline/pkg/api"
	"github.com/threadline/threadline/pkg/config"
	"github.com/threadline/threadline/pkg/credentials"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/forum/blob"
	"github.com/threadline/threadline/pkg/metrics"
	"github.com/threadline/threadline/pkg/registry"
)

// Server owns every long-lived component of one forum server process.
type Server struct {
	cfg *config.Config

	creds       *credentials.Store
	threads     *forum.Store
	attachments *blob.Store
	active      *registry.ActiveUsers
	pending     *registry.PendingTransfers

	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	apiServer     *api.Server

	dispatcher *dispatch.Dispatcher
	transfers  *transfer.Listener

	closeOnce sync.Once
}

// New builds a server from configuration: opens the stores, creates the
// registries, and wires the listeners. Nothing is bound until Serve (or
// Listen) is called.
func New(cfg *config.Config) (*Server, error) {
	creds := credentials.NewStore(cfg.Storage.CredentialsFile)
	if err := creds.Load(); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	threads, err := forum.NewStore(cfg.Storage.ThreadsDir(), creds)
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}

	attachments, err := blob.Open(cfg.Storage.AttachmentsDir())
	if err != nil {
		return nil, fmt.Errorf("open attachment store: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		creds:       creds,
		threads:     threads,
		attachments: attachments,
		active:      registry.NewActiveUsers(),
		pending:     registry.NewPendingTransfers(cfg.Server.ReservationTTL),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		s.metrics = metrics.NewMetrics(reg)
		s.metricsServer = metrics.NewServer(cfg.Metrics.Port, reg)
	}

	s.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		Port:        cfg.Server.ControlPort,
		MaxSessions: cfg.Server.MaxSessions,
		IdleTimeout: cfg.Server.SessionIdleTimeout,
	}, dispatch.Deps{
		Credentials: creds,
		ActiveUsers: s.active,
		Pending:     s.pending,
		Threads:     threads,
		Attachments: attachments,
		Metrics:     s.metrics,
	})

	s.transfers = transfer.NewListener(transfer.Config{
		Port:               cfg.Server.DataPort,
		IOTimeout:          cfg.Server.TransferIOTimeout,
		MaxAttachmentBytes: cfg.Server.MaxAttachmentBytes,
	}, transfer.Deps{
		Pending:     s.pending,
		Threads:     threads,
		Attachments: attachments,
		Metrics:     s.metrics,
	})

	if cfg.API.IsEnabled() {
		s.apiServer = api.NewServer(cfg.API, api.Deps{
			Credentials: creds,
			ActiveUsers: s.active,
			Pending:     s.pending,
			Threads:     threads,
			Attachments: attachments,
		})
	}

	return s, nil
}

// Listen binds the control- and data-plane sockets without serving. Serve
// calls it implicitly; tests use it to learn ephemeral ports first.
func (s *Server) Listen() error {
	if err := s.dispatcher.Listen(); err != nil {
		return err
	}
	return s.transfers.Listen()
}

// ControlAddr returns the bound control-plane address. Only valid after Listen.
func (s *Server) ControlAddr() net.Addr {
	return s.dispatcher.LocalAddr()
}

// DataAddr returns the bound data-plane address. Only valid after Listen.
func (s *Server) DataAddr() net.Addr {
	return s.transfers.LocalAddr()
}

// Serve runs every component until the context is cancelled or one of them
// fails, then shuts the rest down gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 8)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("control plane", s.dispatcher.Serve)
	run("data plane", s.transfers.Serve)

	if s.apiServer != nil {
		run("api server", s.apiServer.Start)
	}
	if s.metricsServer != nil {
		run("metrics server", s.metricsServer.Start)
	}
	if s.cfg.Storage.WatchEnabled() {
		run("credential watcher", s.creds.Watch)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pending.ExpireLoop(ctx, sweepInterval(s.cfg.Server.ReservationTTL), s.metrics.ReservationsExpired)
	}()

	logger.Info("Server is running",
		"control", s.ControlAddr().String(),
		"data", s.DataAddr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errChan:
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("Graceful shutdown timed out", "timeout", s.cfg.ShutdownTimeout)
	}

	if err := s.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close releases the stores. Called by Serve on the way out; safe to call
// more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.attachments.Close(); cerr != nil {
			err = fmt.Errorf("close attachment store: %w", cerr)
		}
	})
	return err
}

// sweepInterval derives the reservation sweep period from the TTL.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
