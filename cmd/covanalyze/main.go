// Summarizes edge counts gathered with and without coverage feedback.
//
//	covanalyze [watch] [root] [--format text|json]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/anacrolix/bargle/v2"
	g "github.com/anacrolix/generics"
	app "github.com/anacrolix/gostdapp"

	"github.com/anacrolix/covstub/edgecount"
)

func main() {
	app.RunContext(mainErr)
}

func mainErr(ctx context.Context) error {
	var (
		root   g.Option[string]
		format = "text"
	)
	p := bargle.NewParser()
	defer p.DoHelpIfHelping()
	watch := p.Parse(bargle.Keyword("watch"))
	bargle.ParseAll(
		p,
		bargle.Positional("root", bargle.BuiltinOptionUnmarshaler(&root)),
		bargle.Long("format", bargle.BuiltinUnmarshaler(&format)),
	)
	p.FailIfArgsRemain()
	if !p.Ok() {
		return p.Err()
	}
	write, err := reportWriter(format)
	if err != nil {
		return err
	}
	dir := root.UnwrapOr(".")
	analyze := func() error {
		r, err := edgecount.Analyze(os.DirFS(dir))
		if err != nil {
			return err
		}
		return write(r, os.Stdout)
	}
	if !watch {
		return analyze()
	}
	err = edgecount.Watch(ctx, dir, func() error {
		err := analyze()
		if err != nil {
			// Counts are often mid-write, or too few to summarize yet.
			fmt.Fprintf(os.Stderr, "error analyzing %q: %v\n", dir, err)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func reportWriter(format string) (func(edgecount.Report, io.Writer) error, error) {
	switch format {
	case "text":
		return edgecount.Report.WriteText, nil
	case "json":
		return edgecount.Report.WriteJSON, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
