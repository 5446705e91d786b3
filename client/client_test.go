package client

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/covstub/covmap"
	"github.com/anacrolix/covstub/stub"
)

func startStub(t *testing.T, m *covmap.Map, opts ...stub.Option) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- stub.NewServer(m, opts...).Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return l.Addr().String()
}

func testObserverConfig(addr string) ObserverConfig {
	cfg := DefaultObserverConfig(addr)
	cfg.RetryInterval = time.Millisecond
	return cfg
}

func TestConnDump(t *testing.T) {
	m := covmap.New()
	m.Incr(3)
	addr := startStub(t, m, stub.WithChooser(stub.FixedChooser(false)))
	ctx := context.Background()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Reset(ctx))
	s, err := c.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, m.Snapshot(), s)
	require.Equal(t, 1, s.Edges())
}

func TestResetAckTimesOutAgainstStub(t *testing.T) {
	addr := startStub(t, covmap.New())
	ctx := context.Background()
	c, err := Dial(ctx, addr, WithResetAck(true), WithReadTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()
	err = c.Reset(ctx)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestExchangeHonoursContext(t *testing.T) {
	cl, sv := net.Pipe()
	defer sv.Close()
	go io.Copy(io.Discard, sv)
	c := NewConn(cl, WithReadTimeout(0))
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Dump(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// A coverage agent that acks resets and hangs up on its first connection.
func startFlakyAgent(t *testing.T, m *covmap.Map) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		first := true
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			if first {
				first = false
				nc.Close()
				continue
			}
			go func() {
				defer nc.Close()
				var b [1]byte
				for {
					if _, err := io.ReadFull(nc, b[:]); err != nil {
						return
					}
					switch b[0] {
					case stub.CommandReset:
						nc.Write([]byte{stub.CommandDump})
					case stub.CommandDump:
						nc.Write(m.Snapshot()[:])
					default:
						return
					}
				}
			}()
		}
	}()
	return l.Addr().String()
}

func TestObserverReconnectsOnFailedReset(t *testing.T) {
	m := covmap.New()
	m.Incr(9)
	addr := startFlakyAgent(t, m)
	cfg := testObserverConfig(addr)
	cfg.ConnOptions = []Option{WithResetAck(true), WithReadTimeout(time.Second)}
	ctx := context.Background()
	o, err := NewObserver(ctx, cfg)
	require.NoError(t, err)
	defer o.Close()
	require.NoError(t, o.PreExec(ctx))
	s, err := o.PostExec(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, s[9])
	require.EqualValues(t, 1, o.OverallEdges())
}

func TestObserverGivesUp(t *testing.T) {
	addr := startStub(t, covmap.New())
	cfg := testObserverConfig(addr)
	cfg.MaxTries = 2
	cfg.ConnOptions = []Option{WithResetAck(true), WithReadTimeout(10 * time.Millisecond)}
	ctx := context.Background()
	o, err := NewObserver(ctx, cfg)
	require.NoError(t, err)
	defer o.Close()
	require.Error(t, o.PreExec(ctx))
	_, err = o.PostExec(ctx)
	require.EqualError(t, err, "not connected")
}

func TestObserverCoverageFile(t *testing.T) {
	m := covmap.New()
	addr := startStub(t, m, stub.WithChooser(stub.FixedChooser(false)))
	cfg := testObserverConfig(addr)
	cfg.CoverageFile = filepath.Join(t.TempDir(), "nested", "coverage.txt")
	ctx := context.Background()
	o, err := NewObserver(ctx, cfg)
	require.NoError(t, err)
	defer o.Close()
	exec := func() {
		require.NoError(t, o.PreExec(ctx))
		_, err := o.PostExec(ctx)
		require.NoError(t, err)
	}
	readLines := func() []string {
		b, err := os.ReadFile(cfg.CoverageFile)
		require.NoError(t, err)
		return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	}
	// Nothing covered yet: no growth, no new line.
	exec()
	require.Equal(t, []string{"0: 0"}, readLines())
	m.Incr(1)
	m.Incr(2)
	exec()
	lines := readLines()
	require.Len(t, lines, 2)
	assert.Regexp(t, regexp.MustCompile(`^\d+: 2$`), lines[1])
	// Same edges again.
	exec()
	require.Len(t, readLines(), 2)
	// Overall coverage keeps edges that are no longer hit.
	m.Update(func(c *covmap.Snapshot) {
		c[1] = 0
		c[2] = 0
		c[4] = 1
	})
	exec()
	lines = readLines()
	require.Len(t, lines, 3)
	assert.Regexp(t, regexp.MustCompile(`^\d+: 3$`), lines[2])
}

func TestProbeStable(t *testing.T) {
	m := covmap.New()
	m.Incr(100)
	addr := startStub(t, m, stub.WithChooser(stub.FixedChooser(false)))
	ctx := context.Background()
	o, err := NewObserver(ctx, testObserverConfig(addr))
	require.NoError(t, err)
	defer o.Close()
	res, err := Probe(ctx, o, 20)
	require.NoError(t, err)
	require.Equal(t, 20, res.Dumps)
	require.Zero(t, res.Unstable)
	require.Equal(t, 1, res.DistinctMaps)
	require.True(t, res.Drifted.IsEmpty())
	require.Equal(t, 1, res.Edges)
	require.EqualValues(t, 1, res.OverallEdges)
	require.Zero(t, res.InstabilityRate())
}

func TestProbeUnstable(t *testing.T) {
	m := covmap.New()
	addr := startStub(t, m, stub.WithChooser(stub.FixedChooser(true)))
	ctx := context.Background()
	o, err := NewObserver(ctx, testObserverConfig(addr))
	require.NoError(t, err)
	defer o.Close()
	res, err := Probe(ctx, o, 10)
	require.NoError(t, err)
	require.Equal(t, 9, res.Unstable)
	require.Equal(t, 10, res.DistinctMaps)
	require.Equal(t, []uint32{stub.DefaultMutateIndex}, res.Drifted.ToArray())
	require.EqualValues(t, 1, res.OverallEdges)
	require.Equal(t, 1.0, res.InstabilityRate())
}
