// Package edgecount compares distinct edge counts of targets fuzzed with and without coverage
// feedback.
//
// The layout is one directory per application under a root. Each application has sibling
// directories edgecount and edgecount-nocov, holding one file per target whose entire contents
// is the decimal number of distinct edges observed for that target.
package edgecount

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anacrolix/log"
)

const (
	WithCovDir = "edgecount"
	NoCovDir   = "edgecount-nocov"

	// Pairs with a larger with/without coverage ratio are considered broken measurements.
	OutlierRatio = 1000
	// A target that never produces a meaningful comparison.
	ExcludedTarget = "androidx.work.impl.diagnostics.DiagnosticsReceiver"
)

var logger = log.Default.WithNames("edgecount")

// Pair is one target's edge counts with and without coverage feedback.
type Pair struct {
	Target  string
	WithCov int
	NoCov   int
}

func (me Pair) Ratio() float64 {
	if me.NoCov == 0 {
		return math.Inf(1)
	}
	return float64(me.WithCov) / float64(me.NoCov)
}

// Improved is true when the instrumented run found fewer edges than the uninstrumented one.
func (me Pair) Improved() bool {
	return me.WithCov < me.NoCov
}

type App struct {
	Name  string
	Pairs []Pair
}

func ReadCount(fsys fs.FS, name string) (int, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parsing edge count in %q: %w", name, err)
	}
	return n, nil
}

// WriteCount records the edge count for target in dir, which is usually an application's
// edgecount or edgecount-nocov directory.
func WriteCount(dir, target string, edges int) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, target), []byte(strconv.Itoa(edges)), 0o644)
}

// LoadApp pairs the targets of the application directory app. Targets without an uninstrumented
// count are skipped, as are the excluded target and outliers.
func LoadApp(fsys fs.FS, app string) (ret App, err error) {
	ret.Name = app
	withDir := path.Join(app, WithCovDir)
	entries, err := fs.ReadDir(fsys, withDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		target := e.Name()
		withPath := path.Join(withDir, target)
		var p Pair
		p.Target = target
		p.WithCov, err = ReadCount(fsys, withPath)
		if err != nil {
			return
		}
		noPath := path.Join(app, NoCovDir, target)
		if _, statErr := fs.Stat(fsys, noPath); statErr != nil {
			logger.Levelf(log.Debug, "skipping %q: no uninstrumented count", withPath)
			continue
		}
		p.NoCov, err = ReadCount(fsys, noPath)
		if err != nil {
			return
		}
		if p.NoCov > p.WithCov {
			logger.Levelf(log.Debug, "%v: %v edges with coverage, %v without", withPath, p.WithCov, p.NoCov)
		}
		if strings.Contains(withPath, ExcludedTarget) {
			continue
		}
		if p.Ratio() > OutlierRatio {
			logger.Levelf(log.Debug, "excluding outlier %q with ratio %v", withPath, p.Ratio())
			continue
		}
		ret.Pairs = append(ret.Pairs, p)
	}
	return
}

// LoadRoot loads every application in fsys that has an edgecount directory.
func LoadRoot(fsys fs.FS) (apps []App, err error) {
	matches, err := fs.Glob(fsys, path.Join("*", WithCovDir))
	if err != nil {
		return
	}
	for _, m := range matches {
		// Glob matches hidden names, unlike shell globbing.
		if strings.HasPrefix(m, ".") {
			continue
		}
		fi, statErr := fs.Stat(fsys, m)
		if statErr != nil || !fi.IsDir() {
			continue
		}
		var app App
		app, err = LoadApp(fsys, path.Dir(m))
		if err != nil {
			err = fmt.Errorf("loading app %q: %w", path.Dir(m), err)
			return
		}
		apps = append(apps, app)
	}
	return
}

// Ratios flattens the ratios of every pair of every app.
func Ratios(apps []App) (ret []float64) {
	for _, app := range apps {
		for _, p := range app.Pairs {
			ret = append(ret, p.Ratio())
		}
	}
	return
}
