// Repeatedly dumps a coverage agent with nothing executed in between, and reports how much the map
// moved. A stable agent returns the same map every time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anacrolix/bargle/v2"
	g "github.com/anacrolix/generics"
	app "github.com/anacrolix/gostdapp"

	"github.com/anacrolix/covstub/client"
	"github.com/anacrolix/covstub/edgecount"
	"github.com/anacrolix/covstub/stub"
)

func main() {
	app.RunContext(mainErr)
}

func mainErr(ctx context.Context) error {
	var (
		addr         g.Option[string]
		dumps        = 100
		edgecountDir g.Option[string]
		target       g.Option[string]
		coverageFile g.Option[string]
		resetAck     bool
	)
	p := bargle.NewParser()
	defer p.DoHelpIfHelping()
	bargle.ParseAll(
		p,
		bargle.Positional("addr", bargle.BuiltinOptionUnmarshaler(&addr)),
		bargle.Long("dumps", bargle.BuiltinUnmarshaler(&dumps)),
		bargle.Long("edgecount-dir", bargle.BuiltinOptionUnmarshaler(&edgecountDir)),
		bargle.Long("target", bargle.BuiltinOptionUnmarshaler(&target)),
		bargle.Long("coverage-file", bargle.BuiltinOptionUnmarshaler(&coverageFile)),
		// Set for agents that acknowledge resets.
		bargle.Long("reset-ack", bargle.BuiltinUnmarshaler(&resetAck)),
	)
	p.FailIfArgsRemain()
	if !p.Ok() {
		return p.Err()
	}
	if dumps < 1 {
		return errors.New("dumps must be positive")
	}
	if edgecountDir.Ok != target.Ok {
		return errors.New("edgecount-dir and target must be given together")
	}
	cfg := client.DefaultObserverConfig(addr.UnwrapOr(stub.DefaultAddr))
	if coverageFile.Ok {
		cfg.CoverageFile = coverageFile.Value
	}
	if resetAck {
		cfg.ConnOptions = append(cfg.ConnOptions, client.WithResetAck(true))
	}
	o, err := client.NewObserver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to %q: %w", cfg.Addr, err)
	}
	defer o.Close()
	res, err := client.Probe(ctx, o, dumps)
	if err != nil {
		return err
	}
	fmt.Printf("dumps: %v\n", res.Dumps)
	fmt.Printf("unstable dumps: %v (%.3f)\n", res.Unstable, res.InstabilityRate())
	fmt.Printf("distinct maps: %v\n", res.DistinctMaps)
	fmt.Printf("drifted counters: %v\n", res.Drifted.ToArray())
	fmt.Printf("edges: %v\n", res.Edges)
	fmt.Printf("overall edges: %v\n", res.OverallEdges)
	if edgecountDir.Ok {
		err = edgecount.WriteCount(edgecountDir.Value, target.Value, int(res.OverallEdges))
		if err != nil {
			return fmt.Errorf("writing edge count: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote edge count for %q to %q\n", target.Value, edgecountDir.Value)
	}
	return nil
}
