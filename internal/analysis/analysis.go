// Package analysis compares a run's metrics log against a baseline run and
// reports throughput and latency deltas, anomaly windows and recovery time.
package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/metrics"
)

// InsufficientDataError is returned when a log has no rows left after the
// warmup exclusion.
type InsufficientDataError struct {
	Log    string
	Warmup float64
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: log %q has no requests after the first %gs of warmup", e.Log, e.Warmup)
}

// Summary holds aggregate statistics for one log.
type Summary struct {
	ThroughputRPS float64 `json:"throughput_rps"`
	P50LatencyMS  float64 `json:"p50_latency_ms"`
	P95LatencyMS  float64 `json:"p95_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// Window is an inclusive range of anomalous seconds.
type Window struct {
	StartSec int `json:"start_sec"`
	EndSec   int `json:"end_sec"`
}

// ComparisonResult is the outcome of one Compare call. Key names are stable.
type ComparisonResult struct {
	BaselineID        string   `json:"baseline_id"`
	RunID             string   `json:"run_id"`
	BaselineSummary   Summary  `json:"baseline_summary"`
	RunSummary        Summary  `json:"run_summary"`
	ThroughputDropPct float64  `json:"throughput_drop_pct"`
	AnomalyWindows    []Window `json:"anomaly_windows"`
	RecoveryTimeSec   *int     `json:"recovery_time_sec"`
}

// Bucket aggregates the outcomes whose timestamp falls in [Second, Second+1).
type Bucket struct {
	Second    int
	Requests  int
	Failures  int
	Latencies []float64
}

// ErrorRate is Failures/Requests, 0 for an empty bucket.
func (b Bucket) ErrorRate() float64 {
	if b.Requests == 0 {
		return 0
	}
	return float64(b.Failures) / float64(b.Requests)
}

// Bucketize groups outcomes by floor(timestamp), dropping those earlier than
// warmupSec. Buckets are returned in ascending second order.
func Bucketize(outcomes []metrics.Outcome, warmupSec float64) []Bucket {
	bySecond := make(map[int]*Bucket)
	for _, o := range outcomes {
		if o.Timestamp < warmupSec {
			continue
		}
		sec := int(math.Floor(o.Timestamp))
		b, ok := bySecond[sec]
		if !ok {
			b = &Bucket{Second: sec}
			bySecond[sec] = b
		}
		b.Requests++
		if !o.Success {
			b.Failures++
		}
		b.Latencies = append(b.Latencies, o.LatencyMS)
	}

	buckets := make([]Bucket, 0, len(bySecond))
	for _, b := range bySecond {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Second < buckets[j].Second })
	return buckets
}

// Summarize computes throughput over the span from the first to the last
// bucket, pooled latency percentiles and the overall error rate. buckets
// must be non-empty and sorted.
func Summarize(buckets []Bucket) Summary {
	var requests, failures int
	var latencies []float64
	for _, b := range buckets {
		requests += b.Requests
		failures += b.Failures
		latencies = append(latencies, b.Latencies...)
	}
	if requests == 0 {
		return Summary{}
	}

	elapsed := buckets[len(buckets)-1].Second - buckets[0].Second + 1
	sort.Float64s(latencies)

	return Summary{
		ThroughputRPS: float64(requests) / float64(elapsed),
		P50LatencyMS:  Percentile(latencies, 0.50),
		P95LatencyMS:  Percentile(latencies, 0.95),
		ErrorRate:     float64(failures) / float64(requests),
	}
}

// Percentile returns the p-th quantile (0..1) of sorted values using linear
// interpolation between the order statistics at rank p*(n-1).
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// FlagSeconds returns the abnormal seconds of a run, ascending. Every second
// from the first to the last run bucket is checked; a missing second counts
// as zero throughput and can only trip the throughput criterion.
func FlagSeconds(run []Bucket, baselineRPS float64, cfg config.AnalysisConfig) []int {
	if len(run) == 0 {
		return nil
	}

	floor := baselineRPS * (1 - cfg.ThroughputDropThreshold)
	bySecond := make(map[int]Bucket, len(run))
	for _, b := range run {
		bySecond[b.Second] = b
	}

	var flagged []int
	for sec := run[0].Second; sec <= run[len(run)-1].Second; sec++ {
		b := bySecond[sec]
		if float64(b.Requests) < floor || (b.Requests > 0 && b.ErrorRate() > cfg.ErrorRateThreshold) {
			flagged = append(flagged, sec)
		}
	}
	return flagged
}

// MergeWindows joins consecutive flagged seconds into windows. seconds must
// be ascending.
func MergeWindows(seconds []int) []Window {
	windows := []Window{}
	for _, sec := range seconds {
		if n := len(windows); n > 0 && sec == windows[n-1].EndSec+1 {
			windows[n-1].EndSec = sec
			continue
		}
		windows = append(windows, Window{StartSec: sec, EndSec: sec})
	}
	return windows
}

// RecoveryTime is the span from the start of the first window to the end of
// the last one, or nil when there are no windows.
func RecoveryTime(windows []Window) *int {
	if len(windows) == 0 {
		return nil
	}
	span := windows[len(windows)-1].EndSec - windows[0].StartSec
	return &span
}

// Compare analyses a run against a baseline.
func Compare(baselineID string, baseline []metrics.Outcome, runID string, run []metrics.Outcome, cfg config.AnalysisConfig) (*ComparisonResult, error) {
	baseBuckets := Bucketize(baseline, cfg.WarmupIgnoreSec)
	if len(baseBuckets) == 0 {
		return nil, &InsufficientDataError{Log: baselineID, Warmup: cfg.WarmupIgnoreSec}
	}
	runBuckets := Bucketize(run, cfg.WarmupIgnoreSec)
	if len(runBuckets) == 0 {
		return nil, &InsufficientDataError{Log: runID, Warmup: cfg.WarmupIgnoreSec}
	}

	base := Summarize(baseBuckets)
	res := Summarize(runBuckets)

	windows := MergeWindows(FlagSeconds(runBuckets, base.ThroughputRPS, cfg))

	return &ComparisonResult{
		BaselineID:        baselineID,
		RunID:             runID,
		BaselineSummary:   base,
		RunSummary:        res,
		ThroughputDropPct: (base.ThroughputRPS - res.ThroughputRPS) / base.ThroughputRPS * 100,
		AnomalyWindows:    windows,
		RecoveryTimeSec:   RecoveryTime(windows),
	}, nil
}

// Explanation renders the throughput delta as a sentence.
func (r *ComparisonResult) Explanation() string {
	pct := r.ThroughputDropPct
	switch {
	case pct > 0:
		return fmt.Sprintf("Run throughput is %.1f%% LOWER than baseline", pct)
	case pct < 0:
		return fmt.Sprintf("Run throughput is %.1f%% HIGHER than baseline", -pct)
	default:
		return "Run throughput matches baseline"
	}
}

// JSON returns the indented JSON encoding of the result.
func (r *ComparisonResult) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteFile stores the result as JSON at path.
func (r *ComparisonResult) WriteFile(path string) error {
	data, err := r.JSON()
	if err != nil {
		return fmt.Errorf("failed to encode comparison: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
