package orchestrator

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// EchoGuard recognises microphone input that is the assistant's own voice
// leaking back from the speakers. Played segment audio is recorded and input
// chunks are correlated against it; matching chunks are not counted as
// interruption samples.
type EchoGuard struct {
	mu            sync.Mutex
	clock         Clock
	played        *bytes.Buffer
	maxBufSize    int
	echoThreshold float64
	// Echo is only possible within this long after audio was last played.
	tail     time.Duration
	lastPlay time.Time
	enabled  bool
}

func NewEchoGuard(clock Clock, enabled bool) *EchoGuard {
	return &EchoGuard{
		clock:         clock,
		played:        new(bytes.Buffer),
		maxBufSize:    176400, // ~2 seconds at 44.1kHz, 16-bit mono
		echoThreshold: 0.55,
		tail:          1200 * time.Millisecond,
		enabled:       enabled,
	}
}

// RecordPlayed appends audio that was just handed to the speakers.
func (g *EchoGuard) RecordPlayed(chunk []byte) {
	if g == nil || !g.enabled || len(chunk) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.played.Write(chunk)
	g.lastPlay = g.clock.Now()

	if g.played.Len() > g.maxBufSize {
		data := g.played.Bytes()
		trim := append([]byte(nil), data[len(data)-g.maxBufSize:]...)
		g.played.Reset()
		g.played.Write(trim)
	}
}

// IsEcho reports whether input is dominated by recently played audio.
func (g *EchoGuard) IsEcho(input []byte) bool {
	if g == nil || !g.enabled || len(input) < 2 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastPlay.IsZero() || g.clock.Now().Sub(g.lastPlay) > g.tail {
		return false
	}
	if g.played.Len() == 0 {
		return false
	}

	in := bytesToSamples(input)
	ref := bytesToSamples(g.played.Bytes())

	if maxCorrelation(in, ref) > g.echoThreshold {
		return true
	}
	// sibilants lose phase in the room; compare envelopes instead
	return maxEnvelopeCorrelation(in, ref, 8) > g.echoThreshold+0.05
}

// Clear drops the played-audio reference, e.g. after an interruption.
func (g *EchoGuard) Clear() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.played.Reset()
	g.lastPlay = time.Time{}
}

func (g *EchoGuard) SetThreshold(threshold float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		g.echoThreshold = threshold
	}
}

// maxCorrelation slides input over ref with a coarse stride and returns the
// best normalised correlation, clamped to [0, 1].
func maxCorrelation(in, ref []float64) float64 {
	if len(in) == 0 || len(ref) == 0 {
		return 0
	}

	compareLen := len(in)
	if compareLen > len(ref) {
		compareLen = len(ref)
	}
	seg := in[:compareLen]
	inEnergy := calculateEnergy(seg)
	if inEnergy == 0 {
		return 0
	}

	stride := compareLen / 4
	if stride < 8 {
		stride = 8
	}

	best := 0.0
	for pos := 0; pos+compareLen <= len(ref); pos += stride {
		window := ref[pos : pos+compareLen]
		windowEnergy := calculateEnergy(window)
		if windowEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := range seg {
			dot += seg[i] * window[i]
		}
		corr := dot / math.Sqrt(inEnergy*windowEnergy)
		if corr > best {
			best = corr
			if best >= 0.999 {
				break
			}
		}
	}

	return math.Min(math.Max(best, 0), 1)
}

// maxEnvelopeCorrelation compares the decimated absolute-value envelopes of
// the two signals.
func maxEnvelopeCorrelation(in, ref []float64, decimation int) float64 {
	inEnv := envelope(in, decimation)
	refEnv := envelope(ref, decimation)

	compareLen := len(inEnv)
	if compareLen > len(refEnv) {
		compareLen = len(refEnv)
	}
	if compareLen == 0 {
		return 0
	}
	inEnv = inEnv[:compareLen]

	inMean := 0.0
	for _, v := range inEnv {
		inMean += v
	}
	inMean /= float64(compareLen)

	inVar := 0.0
	for i := range inEnv {
		inEnv[i] -= inMean
		inVar += inEnv[i] * inEnv[i]
	}
	if inVar <= 0 {
		return 0
	}

	stride := compareLen / 4
	if stride < 2 {
		stride = 2
	}

	best := 0.0
	for pos := 0; pos+compareLen <= len(refEnv); pos += stride {
		refMean := 0.0
		for i := 0; i < compareLen; i++ {
			refMean += refEnv[pos+i]
		}
		refMean /= float64(compareLen)

		dot, refVar := 0.0, 0.0
		for i := 0; i < compareLen; i++ {
			r := refEnv[pos+i] - refMean
			dot += inEnv[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			if corr := dot / math.Sqrt(inVar*refVar); corr > best {
				best = corr
			}
		}
	}

	return best
}

func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(samples[i*decimation+j])
		}
		env[i] = sum
	}
	return env
}
