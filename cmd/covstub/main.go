// Serves a fake 64 KiB coverage map over TCP, for exercising fuzzers that read coverage from an
// instrumented agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anacrolix/covstub/covmap"
	"github.com/anacrolix/covstub/stub"
)

var flags = struct {
	Addr        string        `help:"address to serve coverage on"`
	IdleTimeout time.Duration `help:"end sessions that send nothing for this long (0 waits forever)"`
	MaxSessions int           `help:"sessions served at once"`
	Seed        *uint64       `help:"seed the mutation choices for reproducible runs"`
	MutateIndex int           `help:"counter bumped by unstable dumps"`
	AcceptRate  float64       `help:"connections accepted per second (0 is unlimited)"`
	MetricsAddr string        `help:"serve prometheus metrics at /metrics on this address"`
	Debug       bool          `help:"also log each command and dump"`
}{
	Addr:        stub.DefaultAddr,
	MaxSessions: 1,
	MutateIndex: stub.DefaultMutateIndex,
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	arg.MustParse(&flags)
	if flags.Debug {
		log.Default = log.Default.WithFilterLevel(log.Debug)
	} else {
		log.Default = log.Default.WithFilterLevel(log.Info)
	}
	if flags.MaxSessions < 1 {
		return errors.New("max sessions must be at least 1")
	}
	if flags.MutateIndex < 0 || flags.MutateIndex >= covmap.Size {
		return fmt.Errorf("mutate index must be less than %v", covmap.Size)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []stub.Option{
		stub.WithMutateIndex(flags.MutateIndex),
		stub.WithIdleTimeout(flags.IdleTimeout),
		stub.WithMaxSessions(flags.MaxSessions),
		stub.WithMetrics(stub.NewMetrics(reg)),
		stub.WithLogger(log.Default.WithNames("covstub")),
	}
	if flags.Seed != nil {
		opts = append(opts, stub.WithChooser(stub.NewSeededChooser(*flags.Seed, stub.DefaultMutateOdds)))
	}
	if flags.AcceptRate > 0 {
		opts = append(opts, stub.WithAcceptLimiter(rate.NewLimiter(rate.Limit(flags.AcceptRate), 1)))
	}
	s := stub.NewServer(covmap.New(), opts...)

	l, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	log.Printf("serving %s coverage map on %v", humanize.IBytes(covmap.Size), l.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Serve(ctx, l)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if flags.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: flags.MetricsAddr, Handler: mux}
		g.Go(func() error {
			err := hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving metrics: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}
	return g.Wait()
}
