// Package server implements the control-connection listener, the per-session
// command state machine and the data-connection broker of the file-transfer
// server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"ftpserver/access"
	"ftpserver/auth"
)

// Config carries the startup parameters the core consumes; the terminal
// package loads them from the environment.
type Config struct {
	BindHost      string
	BindPort      int
	AuthDisabled  bool
	DataPortStart int
	DataPortEnd   int
	BannerDelay   bool
}

// Server accepts control connections and dispatches each to its own session
// goroutine. A hung session never blocks the listener.
type Server struct {
	cfg      Config
	guard    *access.Guard
	verifier auth.Verifier
	logger   *slog.Logger
}

func New(cfg Config, verifier auth.Verifier, guard *access.Guard, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, guard: guard, verifier: verifier, logger: logger}
}

// ListenAndServe binds the configured control endpoint and serves until the
// listener fails.
func (srv *Server) ListenAndServe() error {
	addr := net.JoinHostPort(srv.cfg.BindHost, strconv.Itoa(srv.cfg.BindPort))
	l, err := reuseListen(addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return srv.Serve(l)
}

// Serve runs the accept loop on l.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	srv.logger.Info("listening",
		"addr", l.Addr().String(),
		"root", srv.guard.Root(),
		"auth", !srv.cfg.AuthDisabled)
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		sessionsActive.Inc()
		sessionsTotal.Inc()
		go func() {
			defer sessionsActive.Dec()
			newSession(srv, conn).run()
		}()
	}
}

// listenPassive binds a data listener on the first free port of the
// configured pool.
func (srv *Server) listenPassive() (*net.TCPListener, int, error) {
	var lastErr error
	for port := srv.cfg.DataPortStart; port <= srv.cfg.DataPortEnd; port++ {
		addr := net.JoinHostPort(srv.cfg.BindHost, strconv.Itoa(port))
		l, err := reuseListen(addr)
		if err != nil {
			lastErr = err
			continue
		}
		return l.(*net.TCPListener), port, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty passive port pool %d-%d", srv.cfg.DataPortStart, srv.cfg.DataPortEnd)
	}
	return nil, 0, lastErr
}

// reuseListen binds a tcp4 listener with SO_REUSEADDR so restarts and the
// passive port pool do not trip over sockets in TIME_WAIT.
func reuseListen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp4", addr)
}
