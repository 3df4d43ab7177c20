package scaler

import "math"

// Prediction is an advisory projection of one metric.
type Prediction struct {
	Metric         Metric    `json:"metric"`
	Samples        int       `json:"samples"`
	Current        float64   `json:"current"`
	Slope          float64   `json:"slope"`
	Projected      float64   `json:"projected"`
	Horizon        int       `json:"horizon"`
	Recommendation Direction `json:"recommendation"`
	Confidence     float64   `json:"confidence"`
}

// Forecast projects metric horizon samples ahead from a least-squares line
// through the recent window. The recommendation compares the projection to
// the thresholds of the first enabled policy on metric; with no such policy
// it follows the sign of the trend. Confidence grows with the relative size
// of the projected change and is capped at 1.
func (s *Scaler) Forecast(metric Metric, horizon int) Prediction {
	if horizon < 1 {
		horizon = 1
	}

	s.mu.Lock()
	ys := append([]float64(nil), s.samples[metric]...)
	var policy *Policy
	for _, p := range s.policies {
		if p.Enabled && p.Metric == metric {
			pp := p.Policy
			policy = &pp
			break
		}
	}
	s.mu.Unlock()

	pred := Prediction{Metric: metric, Samples: len(ys), Horizon: horizon, Recommendation: Stable}
	if len(ys) == 0 {
		return pred
	}
	pred.Current = ys[len(ys)-1]
	if len(ys) < 2 {
		pred.Projected = pred.Current
		return pred
	}

	slope, intercept := leastSquares(ys)
	pred.Slope = slope
	pred.Projected = intercept + slope*float64(len(ys)-1+horizon)

	change := pred.Projected - pred.Current
	scale := math.Max(math.Abs(pred.Current), 1)
	pred.Confidence = math.Min(1, math.Abs(change)/scale)

	switch {
	case policy != nil && pred.Projected >= policy.ScaleUpThreshold:
		pred.Recommendation = ScaleUp
	case policy != nil && pred.Projected <= policy.ScaleDownThreshold:
		pred.Recommendation = ScaleDown
	case policy == nil && pred.Confidence >= 0.1 && slope > 0:
		pred.Recommendation = ScaleUp
	case policy == nil && pred.Confidence >= 0.1 && slope < 0:
		pred.Recommendation = ScaleDown
	}
	if pred.Recommendation == Stable {
		pred.Confidence = 1 - pred.Confidence
	}
	return pred
}

// leastSquares fits y = intercept + slope*x with x = 0..n-1.
func leastSquares(ys []float64) (slope, intercept float64) {
	n := float64(len(ys))
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

func (s *Scaler) recordLocked(m Metrics) {
	for k, v := range m {
		ys := append(s.samples[k], v)
		if over := len(ys) - s.forecastWindow; over > 0 {
			ys = append(ys[:0], ys[over:]...)
		}
		s.samples[k] = ys
	}
}
