package pitch

import "math"

// RMS computes the root-mean-square level of a block of mono float32 samples.
// An empty block has level 0. The result is in linear amplitude, suitable for
// direct comparison against a linear noise-gate threshold.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBToGain converts a decibel value (dBFS) to linear amplitude:
// gain = 10^(db/20). A threshold of -46 dB is roughly 0.005 linear.
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// GainToDB converts linear amplitude to decibels: db = 20·log10(gain).
// Non-positive gain returns -Inf, the conventional value for digital silence.
func GainToDB(gain float64) float64 {
	if gain <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(gain)
}
