package mathutil

import "math"

// LogZero stands for log(0) in log-domain arithmetic. Log probabilities at or
// below it are treated as exact zeros.
const LogZero = -1e30

// LogAdd returns log(exp(a) + exp(b)) without leaving the log domain.
// The smaller term is dropped once it is below float64 precision
// (exp(-36) ≈ 2.3e-16 relative to the larger one).
func LogAdd(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if b <= LogZero {
		return a
	}
	d := b - a
	if d < -36.0 {
		return a
	}
	return a + math.Log1p(math.Exp(d))
}
