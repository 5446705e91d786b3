// Package client talks to a coverage endpoint: an instrumented target's coverage agent, or the
// stub in package stub.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/covstub/covmap"
	"github.com/anacrolix/covstub/stub"
)

const DefaultReadTimeout = 10 * time.Second

type Config struct {
	// Bounds each exchange with the endpoint. Zero means no limit beyond the context.
	ReadTimeout time.Duration
	// Real coverage agents acknowledge a reset with a 'd' byte. The stub sends nothing.
	ExpectResetAck bool
}

type Option func(*Config)

func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

func WithResetAck(expect bool) Option {
	return func(c *Config) { c.ExpectResetAck = expect }
}

// Conn is a single session with a coverage endpoint. It is not safe for concurrent use.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	cfg Config
}

// Dial connects to a coverage endpoint over TCP, with Nagle disabled since every command is a
// single byte.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		err = tc.SetNoDelay(true)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("setting nodelay: %w", err)
		}
	}
	return NewConn(nc, opts...), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	cfg := Config{ReadTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conn{
		nc:  nc,
		r:   bufio.NewReaderSize(nc, covmap.Size),
		cfg: cfg,
	}
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

var aLongTimeAgo = time.Unix(1, 0)

// Runs f with the connection deadline set from ctx and the read timeout. Cancelling ctx
// interrupts f.
func (c *Conn) exchange(ctx context.Context, f func() error) error {
	var deadline time.Time
	if c.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	err := c.nc.SetDeadline(deadline)
	if err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { c.nc.SetDeadline(aLongTimeAgo) })
	defer stop()
	err = f()
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// Reset asks the endpoint to clear coverage before a run.
func (c *Conn) Reset(ctx context.Context) error {
	return c.exchange(ctx, func() error {
		_, err := c.nc.Write([]byte{stub.CommandReset})
		if err != nil {
			return fmt.Errorf("writing reset: %w", err)
		}
		if !c.cfg.ExpectResetAck {
			return nil
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return fmt.Errorf("reading reset ack: %w", err)
		}
		if b != stub.CommandDump {
			return fmt.Errorf("failed to reset coverage map (got %q)", b)
		}
		return nil
	})
}

// Dump fetches the endpoint's entire coverage map.
func (c *Conn) Dump(ctx context.Context) (ret *covmap.Snapshot, err error) {
	err = c.exchange(ctx, func() error {
		_, err := c.nc.Write([]byte{stub.CommandDump})
		if err != nil {
			return fmt.Errorf("writing dump request: %w", err)
		}
		ret = new(covmap.Snapshot)
		_, err = io.ReadFull(c.r, ret[:])
		if err != nil {
			return fmt.Errorf("reading coverage map: %w", err)
		}
		return nil
	})
	if err != nil {
		ret = nil
	}
	return
}
