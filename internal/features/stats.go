package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Distribution summarizes a sample.
type Distribution struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"std_dev"`
	CV       float64 `json:"cv"` // coefficient of variation, std_dev / |mean|
	Skew     float64 `json:"skew"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Median   float64 `json:"median"`
}

// Describe computes a Distribution. Fewer than two values yield only count
// and mean.
func Describe(xs []float64) Distribution {
	d := Distribution{Count: len(xs)}
	if len(xs) == 0 {
		return d
	}
	d.Mean = stat.Mean(xs, nil)
	d.Min = floats.Min(xs)
	d.Max = floats.Max(xs)

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	d.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	if len(xs) < 2 {
		return d
	}
	d.Variance = stat.Variance(xs, nil)
	d.StdDev = math.Sqrt(d.Variance)
	if d.Mean != 0 {
		d.CV = d.StdDev / math.Abs(d.Mean)
	}
	if len(xs) >= 3 && d.StdDev > 0 {
		d.Skew = stat.Skew(xs, nil)
	}
	return d
}

// Correlation is a Pearson coefficient with its two-sided p-value.
type Correlation struct {
	R      float64 `json:"r"`
	PValue float64 `json:"p_value"`
	N      int     `json:"n"`
	Valid  bool    `json:"valid"`
}

// Pearson correlates x and y. It is invalid when fewer than three pairs exist
// or either series is constant.
func Pearson(x, y []float64) Correlation {
	c := Correlation{N: len(x)}
	if len(x) != len(y) || len(x) < 3 {
		return c
	}
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return c
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return c
	}
	r = math.Max(-1, math.Min(1, r))
	c.R = r
	c.Valid = true

	df := float64(len(x) - 2)
	if math.Abs(r) >= 1 {
		c.PValue = 0
		return c
	}
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	c.PValue = 2 * (1 - dist.CDF(math.Abs(t)))
	return c
}

// IQRFilter drops values outside 1.5 IQR of the quartiles.
func IQRFilter(xs []float64) []float64 {
	if len(xs) < 5 {
		return xs
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1

	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if v >= q1-1.5*iqr && v <= q3+1.5*iqr {
			out = append(out, v)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
