package model

import "math"

// Softmax converts logits into a probability distribution.
// The maximum logit is subtracted first so large scores do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	peak := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > peak {
			peak = float64(l)
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - peak)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
