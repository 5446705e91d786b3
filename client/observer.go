package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v5"

	"github.com/anacrolix/covstub/covmap"
)

type ObserverConfig struct {
	Addr        string
	ConnOptions []Option
	// When set, "<seconds since start>: <edges>" is appended here each time the overall edge
	// count grows. The file is recreated with a "0: 0" line when the observer is created.
	CoverageFile string
	// Resets attempted before PreExec gives up. The connection is re-established between
	// attempts.
	MaxTries      uint
	RetryInterval time.Duration
	Logger        log.Logger
}

func DefaultObserverConfig(addr string) ObserverConfig {
	return ObserverConfig{
		Addr:          addr,
		MaxTries:      5,
		RetryInterval: time.Second,
		Logger:        log.Default.WithNames("observer"),
	}
}

// Observer collects coverage around executions of a target, and accumulates every edge ever
// seen.
type Observer struct {
	cfg         ObserverConfig
	conn        *Conn
	overall     *roaring.Bitmap
	lastOverall uint64
	start       time.Time
}

func NewObserver(ctx context.Context, cfg ObserverConfig) (*Observer, error) {
	o := &Observer{
		cfg:     cfg,
		overall: roaring.New(),
		start:   time.Now(),
	}
	if cfg.CoverageFile != "" {
		err := o.initCoverageFile()
		if err != nil {
			return nil, err
		}
	}
	err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) initCoverageFile() error {
	err := os.MkdirAll(filepath.Dir(o.cfg.CoverageFile), 0o755)
	if err != nil {
		return fmt.Errorf("creating coverage file directory: %w", err)
	}
	err = os.WriteFile(o.cfg.CoverageFile, []byte("0: 0\n"), 0o644)
	if err != nil {
		return fmt.Errorf("creating coverage file: %w", err)
	}
	return nil
}

func (o *Observer) connect(ctx context.Context) error {
	conn, err := Dial(ctx, o.cfg.Addr, o.cfg.ConnOptions...)
	if err != nil {
		return err
	}
	o.conn = conn
	return nil
}

func (o *Observer) dropConn() {
	if o.conn == nil {
		return
	}
	o.conn.Close()
	o.conn = nil
}

// PreExec resets the endpoint's coverage, reconnecting and retrying on failure.
func (o *Observer) PreExec(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if o.conn == nil {
			err := o.connect(ctx)
			if err != nil {
				return struct{}{}, err
			}
		}
		err := o.conn.Reset(ctx)
		if err != nil {
			o.cfg.Logger.Levelf(log.Warning, "failed to reset coverage: %v. reconnecting", err)
			o.dropConn()
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(max(o.cfg.MaxTries, 1)))
	if err != nil {
		return fmt.Errorf("failed to reset coverage map after retries: %w", err)
	}
	return nil
}

// PostExec retrieves the coverage of the last execution and merges it into the overall
// coverage.
func (o *Observer) PostExec(ctx context.Context) (*covmap.Snapshot, error) {
	if o.conn == nil {
		return nil, errors.New("not connected")
	}
	snap, err := o.conn.Dump(ctx)
	if err != nil {
		o.dropConn()
		return nil, fmt.Errorf("failed to read entire coverage: %w", err)
	}
	for i, v := range snap {
		if v != 0 {
			o.overall.Add(uint32(i))
		}
	}
	err = o.recordOverall()
	if err != nil {
		return snap, err
	}
	return snap, nil
}

// OverallEdges is the number of distinct edges seen across all executions.
func (o *Observer) OverallEdges() uint64 {
	return o.overall.GetCardinality()
}

func (o *Observer) recordOverall() error {
	n := o.overall.GetCardinality()
	if n <= o.lastOverall {
		return nil
	}
	o.lastOverall = n
	if o.cfg.CoverageFile == "" {
		return nil
	}
	f, err := os.OpenFile(o.cfg.CoverageFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening coverage file: %w", err)
	}
	_, err = fmt.Fprintf(f, "%d: %d\n", int64(time.Since(o.start).Seconds()), n)
	if err != nil {
		f.Close()
		return fmt.Errorf("appending to coverage file: %w", err)
	}
	return f.Close()
}

func (o *Observer) Close() error {
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}
