package edgecount

import (
	"errors"
	"math"
	"slices"
)

// Summary describes the distribution of with/without coverage ratios.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Stdev  float64 `json:"stdev"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
}

var ErrTooFewRatios = errors.New("at least two ratios are needed")

// Summarize computes the sample statistics of ratios. Quartiles use the exclusive method.
func Summarize(ratios []float64) (ret Summary, err error) {
	if len(ratios) < 2 {
		err = ErrTooFewRatios
		return
	}
	data := slices.Clone(ratios)
	slices.Sort(data)
	ret.Count = len(data)
	ret.Mean = mean(data)
	ret.Median = median(data)
	ret.Stdev = stdev(data, ret.Mean)
	q := quartiles(data)
	ret.P25 = q[0]
	ret.P75 = q[2]
	return
}

func mean(data []float64) float64 {
	var sum float64
	for _, x := range data {
		sum += x
	}
	return sum / float64(len(data))
}

// data must be sorted.
func median(data []float64) float64 {
	n := len(data)
	if n%2 == 1 {
		return data[n/2]
	}
	return (data[n/2-1] + data[n/2]) / 2
}

func stdev(data []float64, mean float64) float64 {
	var ss float64
	for _, x := range data {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(data)-1))
}

// Cut points dividing sorted data into 4 intervals, interpolating over positions i*(n+1)/4.
func quartiles(data []float64) (ret [3]float64) {
	const n = 4
	ld := len(data)
	m := ld + 1
	for i := 1; i < n; i++ {
		j := i * m / n
		j = min(max(j, 1), ld-1)
		delta := i*m - j*n
		ret[i-1] = (data[j-1]*float64(n-delta) + data[j]*float64(delta)) / n
	}
	return
}

// FractionImproved is the fraction of apps where at least one target had fewer edges with
// coverage feedback than without.
func FractionImproved(apps []App) (float64, error) {
	if len(apps) == 0 {
		return 0, errors.New("no apps")
	}
	count := 0
	for _, app := range apps {
		if slices.ContainsFunc(app.Pairs, Pair.Improved) {
			count++
		}
	}
	return float64(count) / float64(len(apps)), nil
}
