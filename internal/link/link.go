// Package link is the out-of-band byte stream used to bootstrap RDMA
// connections. Peers exchange fixed size records over it before the queue
// pairs can talk to each other.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/nebulardma/internal/rdmaerr"
)

// Socket QoS applied to every link.
const (
	DefaultTOS      = 0x10
	DefaultPriority = 4
)

// Dial retry defaults.
const (
	DefaultDialAttempts = 300
	DefaultDialInterval = 100 * time.Millisecond
)

// Link is a reliable, ordered byte stream between two peers.
type Link interface {
	// SendExact writes all of p.
	SendExact(ctx context.Context, p []byte) error
	// RecvExact fills all of p.
	RecvExact(ctx context.Context, p []byte) error
	// Sync sends local and then fills remote.
	Sync(ctx context.Context, local, remote []byte) error
	LocalAddr() string
	RemoteAddr() string
	Close() error
}

type conn struct {
	c net.Conn
}

// New wraps an established connection.
func New(c net.Conn) Link {
	return &conn{c: c}
}

func (l *conn) LocalAddr() string  { return l.c.LocalAddr().String() }
func (l *conn) RemoteAddr() string { return l.c.RemoteAddr().String() }
func (l *conn) Close() error       { return l.c.Close() }

// bind interrupts blocked I/O once ctx ends, until the returned func is
// called.
func (l *conn) bind(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = l.c.SetDeadline(time.Now())
	})

	return func() {
		stop()
		_ = l.c.SetDeadline(time.Time{})
	}
}

func (l *conn) SendExact(ctx context.Context, p []byte) error {
	defer l.bind(ctx)()

	n, err := l.c.Write(p)
	if err != nil {
		return l.failure(ctx, "send", n, len(p), err)
	}

	return nil
}

func (l *conn) RecvExact(ctx context.Context, p []byte) error {
	defer l.bind(ctx)()

	n, err := io.ReadFull(l.c, p)
	if err != nil {
		return l.failure(ctx, "recv", n, len(p), err)
	}

	return nil
}

func (l *conn) Sync(ctx context.Context, local, remote []byte) error {
	if err := l.SendExact(ctx, local); err != nil {
		return err
	}

	return l.RecvExact(ctx, remote)
}

func (l *conn) failure(ctx context.Context, op string, n, want int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}

	return fmt.Errorf("%w: %s %d of %d bytes with %s: %w",
		rdmaerr.ErrTransportFailure, op, n, want, l.c.RemoteAddr(), err)
}

// control marks sockets reusable and raises their priority before connect
// or bind.
func control(_, _ string, rc syscall.RawConn) error {
	var sockErr error

	err := rc.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)

			return
		}

		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, DefaultPriority); err != nil {
			log.Warn().Err(err).Msg("Failed to set socket priority")
		}
	})
	if err != nil {
		return err
	}

	return sockErr
}

// setTOS marks outgoing IPv4 packets. Non-IPv4 connections are left alone.
func setTOS(c net.Conn, tos int) {
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return
	}

	if addr, ok := tcp.LocalAddr().(*net.TCPAddr); !ok || addr.IP.To4() == nil {
		return
	}

	pc := ipv4.NewConn(tcp)

	if err := pc.SetTOS(tos); err != nil {
		log.Warn().Err(err).Int("tos", tos).Msg("Failed to set IP ToS")

		return
	}

	if got, err := pc.TOS(); err == nil && got != tos {
		log.Warn().Int("want", tos).Int("got", got).Msg("IP ToS was not applied")
	}
}

// DialOptions controls the connect retry loop.
type DialOptions struct {
	Attempts int
	Interval time.Duration
	TOS      int
}

// DefaultDialOptions returns the stock retry policy.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Attempts: DefaultDialAttempts,
		Interval: DefaultDialInterval,
		TOS:      DefaultTOS,
	}
}

// Dial connects to addr, retrying while the peer is not listening yet.
func Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	d := net.Dialer{Control: control}

	var lastErr error

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			setTOS(c, opts.TOS)

			log.Debug().Str("remote", addr).Int("attempt", attempt).Msg("Link established")

			return New(c), nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}

		if attempt == opts.Attempts {
			break
		}

		log.Trace().Err(err).Str("remote", addr).Int("attempt", attempt).Msg("Peer not ready, retrying")

		select {
		case <-ctx.Done():
		case <-time.After(opts.Interval):
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		lastErr = ctxErr
	}

	return nil, fmt.Errorf("%w: failed to connect to %s after %d attempts: %w",
		rdmaerr.ErrTransportFailure, addr, opts.Attempts, lastErr)
}

// Listener accepts links.
type Listener struct {
	l   *net.TCPListener
	tos int
}

// Listen binds addr. Accepted links are marked with tos.
func Listen(ctx context.Context, addr string, tos int) (*Listener, error) {
	lc := net.ListenConfig{Control: control}

	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", rdmaerr.ErrTransportFailure, addr, err)
	}

	log.Debug().Str("address", l.Addr().String()).Msg("Listening for peers")

	return &Listener{l: l.(*net.TCPListener), tos: tos}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// TOS returns the IP ToS applied to accepted links.
func (l *Listener) TOS() int { return l.tos }

// Accept waits for the next peer or for ctx to end.
func (l *Listener) Accept(ctx context.Context) (Link, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.l.SetDeadline(time.Now())
	})
	defer stop()

	c, err := l.l.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = l.l.SetDeadline(time.Time{})
			err = ctxErr
		}

		return nil, fmt.Errorf("%w: failed to accept on %s: %w", rdmaerr.ErrTransportFailure, l.l.Addr(), err)
	}

	setTOS(c, l.tos)

	log.Debug().Str("remote", c.RemoteAddr().String()).Msg("Accepted peer")

	return New(c), nil
}

// Close stops listening.
func (l *Listener) Close() error {
	if err := l.l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
