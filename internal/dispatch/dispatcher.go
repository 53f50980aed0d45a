// Package dispatch owns the control-plane UDP socket. A dispatcher
// demultiplexes inbound datagrams by source address, lazily creates one
// session worker per unseen address, and forwards each datagram into that
// worker's unbounded mailbox without ever blocking on it.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/threadline/threadline/internal/logger"
)

// Config holds configuration for the session dispatcher.
type Config struct {
	// Port is the UDP port to listen on. Port 0 picks an ephemeral port.
	Port int

	// MaxSessions bounds the address table. Datagrams from new addresses
	// beyond the bound are dropped until a session is reaped.
	MaxSessions int

	// IdleTimeout ages out sessions with no inbound traffic. Zero disables
	// reaping.
	IdleTimeout time.Duration
}

// Dispatcher reads control-plane datagrams and routes them to session workers.
type Dispatcher struct {
	config Config
	deps   Deps

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Serve to start it.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		deps:     deps,
		sessions: make(map[string]*session),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the control-plane socket. Serve calls it implicitly; tests
// call it directly to learn the bound address before serving.
func (d *Dispatcher) Listen() error {
	if d.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", d.config.Port))
	if err != nil {
		return fmt.Errorf("resolve UDP :%d: %w", d.config.Port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen UDP :%d: %w", d.config.Port, err)
	}
	d.conn = conn
	return nil
}

// LocalAddr returns the bound socket address. Only valid after Listen.
func (d *Dispatcher) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Serve runs the receive loop until the context is cancelled or Stop is
// called. It blocks until every session worker has exited.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}

	logger.Info("Control-plane listener started", "address", d.conn.LocalAddr().String())

	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.shutdown:
		}
	}()

	if d.config.IdleTimeout > 0 {
		d.wg.Add(1)
		go d.reapLoop(ctx)
	}

	buf := make([]byte, 65535)
	for {
		select {
		case <-d.shutdown:
			d.closeSessions()
			d.wg.Wait()
			return nil
		default:
		}

		// Short deadline so the loop notices shutdown.
		if err := d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			logger.Debug("Failed to set read deadline", "error", err)
			continue
		}

		n, clientAddr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				continue
			default:
				logger.Debug("Control-plane read error", "error", err)
				continue
			}
		}

		// Copy the payload; buf is reused by the next read.
		data := make([]byte, n)
		copy(data, buf[:n])

		d.route(ctx, clientAddr, data)
	}
}

// Stop initiates shutdown. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
		if d.conn != nil {
			// Unblocks the receive loop past its current deadline.
			_ = d.conn.SetReadDeadline(time.Now())
		}
	})
}

// route hands one datagram to its session worker, creating the worker on
// first contact with an address.
func (d *Dispatcher) route(ctx context.Context, clientAddr *net.UDPAddr, data []byte) {
	key := clientAddr.String()

	d.mu.Lock()
	sess, ok := d.sessions[key]
	if !ok {
		if d.config.MaxSessions > 0 && len(d.sessions) >= d.config.MaxSessions {
			d.mu.Unlock()
			logger.Warn("Session table full, dropping datagram", "client", key)
			return
		}
		sess = d.spawn(ctx, clientAddr, key)
	}
	d.mu.Unlock()

	sess.mbox.Push(data)
}

// spawn creates and starts a session worker. Caller holds d.mu.
func (d *Dispatcher) spawn(ctx context.Context, clientAddr *net.UDPAddr, key string) *session {
	sess := newSession(key, clientAddr.IP.String(), d.deps, func(payload []byte) error {
		_, err := d.conn.WriteToUDP(payload, clientAddr)
		return err
	})
	sess.remove = func() {
		d.mu.Lock()
		delete(d.sessions, key)
		d.mu.Unlock()
	}
	d.sessions[key] = sess

	logger.Debug("Session created", "client", key)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sess.run(ctx)
	}()
	return sess
}

// closeSessions closes every worker mailbox so the workers drain and exit.
func (d *Dispatcher) closeSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sess := range d.sessions {
		sess.mbox.Close()
	}
}

// reapLoop ages out sessions that have been silent for longer than the idle
// timeout and have no queued datagrams.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.config.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-d.config.IdleTimeout).UnixNano()

		d.mu.Lock()
		var idle []*session
		for _, sess := range d.sessions {
			if sess.lastActive.Load() < cutoff && sess.mbox.Len() == 0 {
				idle = append(idle, sess)
			}
		}
		d.mu.Unlock()

		for _, sess := range idle {
			logger.Info("Reaping idle session", "client", sess.addr)
			sess.mbox.Close()
		}
	}
}

// SessionCount returns the number of live session workers.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
