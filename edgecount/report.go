package edgecount

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type Report struct {
	Apps             int     `json:"apps"`
	Summary          Summary `json:"summary"`
	FractionImproved float64 `json:"fraction_improved"`
}

func BuildReport(apps []App) (ret Report, err error) {
	ret.Apps = len(apps)
	ret.Summary, err = Summarize(Ratios(apps))
	if err != nil {
		err = fmt.Errorf("summarizing ratios: %w", err)
		return
	}
	ret.FractionImproved, err = FractionImproved(apps)
	return
}

// Analyze loads every app under fsys and reports on them.
func Analyze(fsys fs.FS) (Report, error) {
	apps, err := LoadRoot(fsys)
	if err != nil {
		return Report{}, err
	}
	return BuildReport(apps)
}

func (me Report) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Average improvement: %s\n"+
			"Median improvement: %s\n"+
			"Standard deviation: %s\n"+
			"25 percentile: %s\n"+
			"75 percentile: %s\n"+
			"Percentage apps with improvement: %s\n",
		formatFloat(me.Summary.Mean),
		formatFloat(me.Summary.Median),
		formatFloat(me.Summary.Stdev),
		formatFloat(me.Summary.P25),
		formatFloat(me.Summary.P75),
		formatFloat(me.FractionImproved),
	)
	return err
}

// Formats like Python's float repr, so text reports diff cleanly against earlier tooling: the
// shortest round-tripping digits, a trailing ".0" on integral values, and exponent form outside
// 1e-4 <= |f| < 1e16.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	e := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(e[strings.LastIndexByte(e, 'e')+1:])
	panicif.Err(err)
	if exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func (me Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(me)
}
