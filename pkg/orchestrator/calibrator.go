package orchestrator

import (
	"math"
	"sort"
	"sync"
	"time"
)

// CalibrationResult describes one completed noise calibration cycle.
type CalibrationResult struct {
	Median     float64   `json:"median"`
	P25        float64   `json:"p25"`
	P75        float64   `json:"p75"`
	P95        float64   `json:"p95"`
	IQR        float64   `json:"iqr"`
	Volatility float64   `json:"volatility"`
	BaseNoise  float64   `json:"base_noise"`
	Threshold  float64   `json:"threshold"`
	Unstable   bool      `json:"unstable"`
	Samples    int       `json:"samples"`
	At         time.Time `json:"at"`
}

// ComputeCalibration derives base noise and the interruption threshold from
// ambient energy samples. The threshold always lies in
// [MinThreshold, MaxThreshold].
func ComputeCalibration(samples []float64, cfg Config) CalibrationResult {
	clean := make([]float64, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 1) {
			continue
		}
		if s < 0 {
			s = 0
		}
		clean = append(clean, s)
	}
	sort.Float64s(clean)

	res := CalibrationResult{Samples: len(clean)}
	if len(clean) == 0 {
		res.Threshold = clampFloat(cfg.InitialThreshold, cfg.MinThreshold, cfg.MaxThreshold)
		return res
	}

	res.Median = percentile(clean, 0.50)
	res.P25 = percentile(clean, 0.25)
	res.P75 = percentile(clean, 0.75)
	res.P95 = percentile(clean, 0.95)
	res.IQR = res.P75 - res.P25
	res.BaseNoise = res.Median

	ratio := 0.0
	switch {
	case res.Median > 0:
		ratio = res.IQR / res.Median
	case res.IQR > 0:
		ratio = math.Inf(1)
	}
	res.Volatility = clampFloat(ratio, 0.8, 2.0)
	res.Unstable = ratio >= cfg.UnstableVolatility

	threshold := res.P95 * (1.2 + res.Volatility)
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		threshold = cfg.MaxThreshold
	}
	res.Threshold = clampFloat(threshold, cfg.MinThreshold, cfg.MaxThreshold)
	return res
}

// percentile uses linear interpolation between closest ranks on sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NoiseCalibrator collects ambient energy samples and owns the
// interruption threshold. Only the calibrator writes the threshold; readers
// may be on any goroutine.
type NoiseCalibrator struct {
	cfg   Config
	clock Clock

	// loop-owned collection state
	collecting bool
	samples    []float64
	deferred   bool

	mu         sync.RWMutex
	threshold  float64
	baseNoise  float64
	unstable   bool
	lastResult CalibrationResult
}

func NewNoiseCalibrator(cfg Config, clock Clock) *NoiseCalibrator {
	return &NoiseCalibrator{
		cfg:       cfg,
		clock:     clock,
		threshold: clampFloat(cfg.InitialThreshold, cfg.MinThreshold, cfg.MaxThreshold),
	}
}

// Begin starts a cycle. It returns false when one is already running.
func (c *NoiseCalibrator) Begin() bool {
	if c.collecting {
		return false
	}
	c.collecting = true
	c.deferred = false
	c.samples = make([]float64, 0, c.cfg.CalibrationSampleCount)
	return true
}

func (c *NoiseCalibrator) Collecting() bool { return c.collecting }

// Defer marks an on-demand request that must wait until Speaking ends.
func (c *NoiseCalibrator) Defer() { c.deferred = true }

// TakeDeferred reports and clears a deferred request.
func (c *NoiseCalibrator) TakeDeferred() bool {
	d := c.deferred
	c.deferred = false
	return d
}

// Add feeds one sample. When the set is full the cycle completes, the
// threshold is updated and the result is returned with done=true.
func (c *NoiseCalibrator) Add(level float64) (CalibrationResult, bool) {
	if !c.collecting {
		return CalibrationResult{}, false
	}
	c.samples = append(c.samples, level)
	if len(c.samples) < c.cfg.CalibrationSampleCount {
		return CalibrationResult{}, false
	}

	res := ComputeCalibration(c.samples, c.cfg)
	res.At = c.clock.Now()
	c.collecting = false
	c.samples = nil

	if res.Samples == 0 {
		// every sample was unusable; nothing learned
		return res, false
	}

	c.mu.Lock()
	c.threshold = res.Threshold
	c.baseNoise = res.BaseNoise
	c.unstable = res.Unstable
	c.lastResult = res
	c.mu.Unlock()
	return res, true
}

// Abort ends the running cycle, keeping the previous threshold.
func (c *NoiseCalibrator) Abort(reason string, err error) *CalibrationError {
	if !c.collecting {
		return nil
	}
	c.collecting = false
	c.samples = nil
	return &CalibrationError{Reason: reason, Err: err}
}

func (c *NoiseCalibrator) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

func (c *NoiseCalibrator) BaseNoise() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseNoise
}

func (c *NoiseCalibrator) LastResult() CalibrationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult
}

// Interval is the delay until the next periodic cycle; unstable rooms are
// recalibrated more often.
func (c *NoiseCalibrator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.unstable && c.cfg.FastCalibrationIntervalMs > 0 {
		return ms(c.cfg.FastCalibrationIntervalMs)
	}
	return ms(c.cfg.CalibrationIntervalMs)
}
