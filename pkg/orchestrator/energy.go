package orchestrator

import "math"

// CalculateRMS returns the root-mean-square level of 16-bit little-endian
// mono PCM, in [0, 1].
func CalculateRMS(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(n))
}

// bytesToSamples converts 16-bit little-endian PCM to float64 samples in [-1, 1]
func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)

	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}

	return samples
}

// calculateEnergy computes the sum of squared samples
func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}
