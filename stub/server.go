// Package stub emulates the coverage-reporting endpoint of an instrumented fuzz target.
//
// Clients send one command byte at a time over a long-lived TCP connection. 'r' is accepted and
// ignored. 'd' is answered with the entire coverage map. Any other byte is a protocol violation
// that aborts the session. Dumps occasionally bump one counter first, to exercise clients
// against coverage that is unstable between polls.
package stub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/anacrolix/covstub/covmap"
)

const (
	DefaultAddr = "localhost:6249"

	CommandReset byte = 'r'
	CommandDump  byte = 'd'

	// The counter bumped by unstable dumps, and how rarely it happens (1 in DefaultMutateOdds).
	DefaultMutateIndex = 23
	DefaultMutateOdds  = 4
)

var tracer = otel.Tracer("covstub.stub")

// Server answers coverage commands from a shared map. Use NewServer.
type Server struct {
	Map     *covmap.Map
	Chooser Chooser
	// Counter bumped when Chooser says so.
	MutateIndex int
	// Zero means a silent peer holds its session open forever. When set, each command read must
	// complete within this duration. The map is unaffected by a timeout.
	IdleTimeout time.Duration
	// Sessions served at once. 1 serves connections strictly one after the other.
	MaxSessions int
	// If set, throttles accepting new connections.
	AcceptLimiter *rate.Limiter
	Logger        log.Logger
	Metrics       *Metrics
}

type Option func(*Server)

func WithChooser(c Chooser) Option {
	return func(s *Server) { s.Chooser = c }
}

func WithMutateIndex(i int) Option {
	return func(s *Server) { s.MutateIndex = i }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.IdleTimeout = d }
}

func WithMaxSessions(n int) Option {
	return func(s *Server) { s.MaxSessions = n }
}

func WithAcceptLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.AcceptLimiter = l }
}

func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.Metrics = m }
}

func NewServer(m *covmap.Map, opts ...Option) *Server {
	panicif.Nil(m)
	s := &Server{
		Map:         m,
		MutateIndex: DefaultMutateIndex,
		MaxSessions: 1,
		// Map changes and disconnects are Info, which log.Default filters.
		Logger:      log.Default.WithNames("stub").WithFilterLevel(log.Info),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Chooser == nil {
		s.Chooser = NewRandChooser(nil, DefaultMutateOdds)
	}
	panicif.True(s.MutateIndex < 0 || s.MutateIndex >= covmap.Size)
	return s
}

// ListenAndServe listens on TCP addr and serves until ctx is done or the listener fails.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections from l and runs a session for each. Session errors are logged and
// never end Serve. When Serve returns the listener is closed, and running sessions are ended
// and waited for.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()
	// Sessions hold a slot from before accept to the end of the session.
	sem := make(chan struct{}, max(s.MaxSessions, 1))
	for {
		if s.AcceptLimiter != nil {
			if err := s.AcceptLimiter.Wait(ctx); err != nil {
				return err
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		nc, err := l.Accept()
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("accepting: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.logSessionEnd(nc.RemoteAddr(), s.HandleConn(ctx, nc))
		}()
	}
}

func (s *Server) logSessionEnd(addr net.Addr, err error) {
	switch {
	case err == nil:
		s.Logger.Levelf(log.Info, "client %v disconnected", addr)
	case errors.Is(err, context.Canceled):
		s.Logger.Levelf(log.Debug, "session with %v ended: %v", addr, err)
	case IsProtocolError(err):
		s.Logger.Levelf(log.Error, "aborted session with %v: %v", addr, err)
	default:
		s.Logger.Levelf(log.Warning, "session with %v ended: %v", addr, err)
	}
}

// HandleConn runs one session's command loop on nc, and closes nc. It returns nil when the peer
// ends the stream, a *ProtocolError when it sends an unknown command, and the transport error
// otherwise.
func (s *Server) HandleConn(ctx context.Context, nc net.Conn) (err error) {
	ctx, span := tracer.Start(ctx, "stub.session",
		trace.WithAttributes(attribute.String("session.remote_addr", nc.RemoteAddr().String())))
	defer span.End()
	s.Metrics.sessionStarted()
	var resets, dumps int
	defer func() {
		if IsProtocolError(err) {
			abort(nc)
		} else {
			nc.Close()
		}
		s.Metrics.sessionEnded(err)
		span.SetAttributes(
			attribute.Int("session.resets", resets),
			attribute.Int("session.dumps", dumps),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	r := commandReader(nc, s.IdleTimeout)
	var b [1]byte
	for {
		_, err = io.ReadFull(r, b[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("reading command: %w", err)
		}
		c := b[0]
		s.Metrics.command(c)
		switch c {
		case CommandReset:
			resets++
		case CommandDump:
			dumps++
			err = s.dump(nc)
			if err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				return fmt.Errorf("sending coverage map: %w", err)
			}
		default:
			return &ProtocolError{Command: c}
		}
	}
}

// Possibly bumps the unstable counter, then writes the whole map. The bump and the copy happen
// under one lock so the client always receives a map that existed at a single instant.
func (s *Server) dump(w io.Writer) error {
	var mutated bool
	var newValue byte
	snap := s.Map.Update(func(counters *covmap.Snapshot) {
		if !s.Chooser.MutateOnDump() {
			return
		}
		counters[s.MutateIndex]++
		newValue = counters[s.MutateIndex]
		mutated = true
	})
	if mutated {
		s.Logger.Levelf(log.Info, "changing fake map: counter %v is now %v", s.MutateIndex, newValue)
	}
	n, err := w.Write(snap[:])
	s.Metrics.dumped(n, mutated)
	if err != nil {
		return err
	}
	if n < len(snap) {
		return io.ErrShortWrite
	}
	s.Logger.Levelf(log.Debug, "sent %s coverage map", humanize.IBytes(uint64(n)))
	return nil
}
