// ABOUTME: Reputation update rule applied after a submission passes
// ABOUTME: Exponential moving average of the quality score

package gates

// DefaultAlpha is the weight given to the newest quality score.
const DefaultAlpha = 0.2

// UpdateReputation returns (1-alpha)*current + alpha*score, clamped to [0,1].
// Alpha outside (0,1] falls back to DefaultAlpha.
func UpdateReputation(current, score, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return clamp01((1-alpha)*current + alpha*clamp01(score))
}

// NextReputation applies the outcome of a run to current. Rejected or unscored
// outcomes leave it unchanged.
func NextReputation(current float64, out *Outcome, alpha float64) (float64, bool) {
	if out == nil || !out.Passed || !out.Scored {
		return current, false
	}
	return UpdateReputation(current, out.QualityScore, alpha), true
}
