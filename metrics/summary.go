package metrics

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary describes frame latency and throughput over a run
type Summary struct {
	Frames int
	// latencies in milliseconds
	Mean float64
	P50  float64
	P95  float64
	Max  float64
	// FPS is the delivery rate between the first and last delivery
	FPS float64
}

// summarize computes a Summary from latency samples in milliseconds
func summarize(samples []float64, elapsed time.Duration) Summary {

	s := Summary{Frames: len(samples)}

	if len(samples) == 0 {
		return s
	}

	sort.Float64s(samples)

	s.Mean = stat.Mean(samples, nil)
	s.P50 = stat.Quantile(0.5, stat.Empirical, samples, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, samples, nil)
	s.Max = samples[len(samples)-1]

	if elapsed > 0 && len(samples) > 1 {
		s.FPS = float64(len(samples)-1) / elapsed.Seconds()
	}

	return s
}

// String formats the summary for printing at exit
func (s Summary) String() string {
	return fmt.Sprintf("Frames: %d, Latency: %.1f ms (p50 %.1f, p95 %.1f, max %.1f), FPS: %.1f",
		s.Frames, s.Mean, s.P50, s.P95, s.Max, s.FPS)
}
