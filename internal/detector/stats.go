package detector

import "math"

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdev is the n-1 standard deviation. Returns 0 for fewer than two
// samples so degenerate groups read as perfectly consistent rather than
// dividing by zero.
func sampleStdev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// clampConfidence bounds a confidence score to [0.1, 1].
func clampConfidence(c float64) float64 {
	return math.Max(0.1, math.Min(1.0, c))
}
