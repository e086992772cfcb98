// Package listener binds the proxy's listening socket, walking forward through
// consecutive ports while the candidate is already taken.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"devtools-proxy-go/internal/metrics"
)

// ErrBindConflict is returned when every candidate port was already in use.
var ErrBindConflict = errors.New("listener: bind conflict")

// ErrBindFatal wraps bind errors that are not worth retrying on another port.
var ErrBindFatal = errors.New("listener: bind failed")

const maxPort = 65535

// Binder resolves a listening socket. It is safe to call Bind repeatedly;
// each call starts from StartPort again.
type Binder struct {
	Host        string
	StartPort   int
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// listen is replaced in tests.
	listen func(ctx context.Context, network, address string) (net.Listener, error)
}

// attempt is the retry loop state: the attempt number and the port it targets.
type attempt struct {
	n    int
	port int
}

func (a attempt) next() attempt {
	return attempt{n: a.n + 1, port: a.port + 1}
}

// Bind listens on StartPort, moving to StartPort+n after the n-th
// address-in-use failure. Any other error stops immediately. It returns the
// listener and the port actually bound.
func (b *Binder) Bind(ctx context.Context) (net.Listener, int, error) {
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listen := b.listen
	if listen == nil {
		var lc net.ListenConfig
		listen = lc.Listen
	}

	for a := (attempt{port: b.StartPort}); ; a = a.next() {
		if err := ctx.Err(); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrBindFatal, err)
		}
		if a.port > maxPort {
			b.Metrics.ObserveBind(metrics.BindFatal)
			return nil, 0, fmt.Errorf("%w: port %d out of range after %d attempts", ErrBindFatal, a.port, a.n)
		}

		addr := net.JoinHostPort(b.Host, strconv.Itoa(a.port))
		ln, err := listen(ctx, "tcp", addr)
		if err == nil {
			port := boundPort(ln, a.port)
			b.Metrics.ObserveBind(metrics.BindBound)
			logger.Debug("bind succeeded", "addr", addr, "port", port, "attempt", a.n+1)
			return ln, port, nil
		}
		if ln != nil {
			_ = ln.Close()
		}

		if !isAddrInUse(err) {
			b.Metrics.ObserveBind(metrics.BindFatal)
			return nil, 0, fmt.Errorf("%w: %s: %w", ErrBindFatal, addr, err)
		}

		b.Metrics.ObserveBind(metrics.BindConflict)
		logger.Debug("port in use, trying next", "addr", addr, "attempt", a.n+1, "max_attempts", maxAttempts)

		if a.n+1 >= maxAttempts {
			return nil, 0, fmt.Errorf("%w: ports %d-%d on %q are in use",
				ErrBindConflict, b.StartPort, a.port, b.Host)
		}
	}
}

// boundPort reports the port the OS assigned, falling back to the requested one.
func boundPort(ln net.Listener, requested int) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && tcp.Port != 0 {
		return tcp.Port
	}
	return requested
}

func isAddrInUse(err error) bool {
	return errors.Is(err, errAddrInUse)
}
