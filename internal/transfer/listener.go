// Package transfer owns the data-plane TCP socket. Each accepted connection
// must match an unclaimed reservation made on the control plane; the listener
// claims the reservation for the connecting IP and hands the connection to a
// transfer worker that streams attachment bytes.
package transfer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/forum/blob"
	"github.com/threadline/threadline/pkg/metrics"
	"github.com/threadline/threadline/pkg/registry"
)

// Config holds configuration for the transfer listener.
type Config struct {
	// Port is the TCP port to listen on. Port 0 picks an ephemeral port.
	Port int

	// MaxConnections limits concurrent transfer workers. 0 means unlimited.
	MaxConnections int

	// IOTimeout is the deadline applied to the whole stream exchange.
	// Zero disables deadlines.
	IOTimeout time.Duration

	// MaxAttachmentBytes caps the size of one uploaded attachment.
	// Zero applies the default cap.
	MaxAttachmentBytes int64
}

// DefaultMaxAttachmentBytes caps uploads when no limit is configured.
const DefaultMaxAttachmentBytes = 64 << 20 // 64 MiB

// Deps bundles the collaborators a transfer worker needs.
type Deps struct {
	Pending     *registry.PendingTransfers
	Threads     *forum.Store
	Attachments *blob.Store
	Metrics     *metrics.Metrics
}

// Listener accepts data-plane connections and spawns transfer workers.
type Listener struct {
	config Config
	deps   Deps

	listener net.Listener

	connSemaphore chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewListener creates a transfer listener. Call Serve to start it.
func NewListener(cfg Config, deps Deps) *Listener {
	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return &Listener{
		config:        cfg,
		deps:          deps,
		connSemaphore: sem,
		shutdown:      make(chan struct{}),
	}
}

// Listen binds the data-plane socket. Serve calls it implicitly; tests call
// it directly to learn the bound address before serving.
func (l *Listener) Listen() error {
	if l.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", l.config.Port))
	if err != nil {
		return fmt.Errorf("listen TCP :%d: %w", l.config.Port, err)
	}
	l.listener = listener
	return nil
}

// LocalAddr returns the bound socket address. Only valid after Listen.
func (l *Listener) LocalAddr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until the context is cancelled or Stop is called.
// It blocks until every in-flight transfer worker has finished.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}

	logger.Info("Data-plane listener started", "address", l.listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.shutdown:
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				l.wg.Wait()
				return nil
			default:
				logger.Debug("Data-plane accept error", "error", err)
				l.wg.Wait()
				return err
			}
		}

		if l.connSemaphore != nil {
			select {
			case l.connSemaphore <- struct{}{}:
			default:
				logger.Warn("Transfer connection limit reached, rejecting", "client", conn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			if l.connSemaphore != nil {
				defer func() { <-l.connSemaphore }()
			}
			l.handle(ctx, c)
		}(conn)
	}
}

// Stop closes the listener. Safe to call more than once.
func (l *Listener) Stop() {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)
		if l.listener != nil {
			_ = l.listener.Close()
		}
	})
}

// handle matches one accepted connection against the reservation table and
// runs the transfer. A connection with no unclaimed reservation for its IP is
// a hard error: it is closed without reading a byte.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		logger.Warn("Cannot parse transfer peer address", "addr", conn.RemoteAddr(), "error", err)
		return
	}

	// Claim consumes the reservation; a second connection from the same IP
	// finds nothing and is rejected.
	tr, ok := l.deps.Pending.Claim(ip)
	if !ok {
		l.deps.Metrics.TransferRejected()
		logger.Warn("Transfer connection without reservation", "client", conn.RemoteAddr())
		return
	}

	if l.config.IOTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(l.config.IOTimeout)); err != nil {
			logger.Warn("Failed to set transfer deadline", "client", conn.RemoteAddr(), "error", err)
			return
		}
	}

	w := &worker{
		conn:     conn,
		transfer: tr,
		deps:     l.deps,
		maxBytes: l.config.MaxAttachmentBytes,
	}
	w.run(ctx)
}
