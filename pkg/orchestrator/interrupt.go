package orchestrator

import "time"

// InterruptionDetector decides whether live energy samples taken while the
// assistant is speaking are a genuine barge-in. A run of consecutive
// over-threshold samples is required so transient bursts are ignored.
type InterruptionDetector struct {
	debounce     int
	protection   time.Duration
	thresholdCap float64

	active         bool
	playbackSeen   bool
	protectedUntil time.Time
	hits           int
}

func NewInterruptionDetector(cfg Config) *InterruptionDetector {
	debounce := cfg.InterruptionDebounceSamples
	if debounce < 1 {
		debounce = 1
	}
	return &InterruptionDetector{
		debounce:     debounce,
		protection:   ms(cfg.SpeechProtectionWindowMs),
		thresholdCap: cfg.ThresholdCap,
	}
}

// SetActive arms or disarms detection. The Machine keeps it active exactly
// while Speaking.
func (d *InterruptionDetector) SetActive(active bool) {
	d.active = active
	d.hits = 0
	if !active {
		d.playbackSeen = false
		d.protectedUntil = time.Time{}
	}
}

func (d *InterruptionDetector) Active() bool { return d.active }

// PlaybackStarted opens the protection window in which nothing triggers.
func (d *InterruptionDetector) PlaybackStarted(now time.Time) {
	d.playbackSeen = true
	d.protectedUntil = now.Add(d.protection)
	d.hits = 0
}

// EffectiveThreshold caps the calibrated threshold.
func (d *InterruptionDetector) EffectiveThreshold(threshold float64) float64 {
	if d.thresholdCap > 0 && threshold > d.thresholdCap {
		return d.thresholdCap
	}
	return threshold
}

// Observe feeds one sample and reports whether an interruption triggered.
// Echo samples count as below threshold.
func (d *InterruptionDetector) Observe(level, baseNoise, threshold float64, echo bool, now time.Time) bool {
	if !d.active || !d.playbackSeen || now.Before(d.protectedUntil) {
		d.hits = 0
		return false
	}

	normalized := level - baseNoise
	if normalized < 0 {
		normalized = 0
	}

	if echo || !(normalized > d.EffectiveThreshold(threshold)) {
		d.hits = 0
		return false
	}

	d.hits++
	if d.hits >= d.debounce {
		d.hits = 0
		return true
	}
	return false
}

func (d *InterruptionDetector) Hits() int { return d.hits }
