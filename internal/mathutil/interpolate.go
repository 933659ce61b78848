package mathutil

import (
	"math"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// DecimalPrecision is the number of significant digits used when float64
// exponentials underflow.
const DecimalPrecision = 34

// ErrArithmetic is returned when an interpolated probability cannot be
// represented even with decimal arithmetic.
var ErrArithmetic = errors.New("arithmetic error")

// InterpolateLogProbs returns log((1-weight)*exp(a) + weight*exp(b)).
//
// The computation is done in float64 unless one of the exponentials is
// exactly zero, in which case the same formula is evaluated with decimal
// arithmetic at DecimalPrecision digits and the result converted back.
func InterpolateLogProbs(a, b, weight float64) (float64, error) {
	pa := math.Exp(a)
	pb := math.Exp(b)
	if pa > 0 && pb > 0 {
		if p := (1.0-weight)*pa + weight*pb; p > 0 {
			return math.Log(p), nil
		}
	}
	return decimalInterpolate(a, b, weight)
}

// decimalCutoff is the distance below the larger term at which a term is
// dropped. Its contribution is far below DecimalPrecision digits.
const decimalCutoff = 1000.0

// decimalInterpolate evaluates m + ln((1-w)·exp(a-m) + w·exp(b-m)) with
// decimals, where m is the larger of the terms with a non-zero weight.
func decimalInterpolate(a, b, weight float64) (float64, error) {
	if math.IsNaN(a) || math.IsNaN(b) || math.IsNaN(weight) {
		return 0, errors.Wrap(ErrArithmetic, "log probability is NaN")
	}
	ctx := apd.BaseContext.WithPrecision(DecimalPrecision)
	ctx.Traps &^= apd.Underflow | apd.Subnormal

	var w, inv apd.Decimal
	if _, err := w.SetFloat64(weight); err != nil {
		return 0, errors.Wrapf(ErrArithmetic, "weight %v: %v", weight, err)
	}
	if _, err := ctx.Sub(&inv, apd.New(1, 0), &w); err != nil {
		return 0, errors.Wrap(ErrArithmetic, err.Error())
	}

	liveA := !inv.IsZero() && a > LogZero
	liveB := !w.IsZero() && b > LogZero
	var m float64
	switch {
	case liveA && liveB:
		m = math.Max(a, b)
	case liveA:
		m = a
	case liveB:
		m = b
	default:
		return 0, errors.Wrapf(ErrArithmetic, "interpolated probability of log probabilities %v and %v is zero", a, b)
	}

	var ta, tb, sum, result apd.Decimal
	if liveA {
		if err := weightedExp(ctx, &ta, &inv, a-m); err != nil {
			return 0, err
		}
	}
	if liveB {
		if err := weightedExp(ctx, &tb, &w, b-m); err != nil {
			return 0, err
		}
	}
	if _, err := ctx.Add(&sum, &ta, &tb); err != nil {
		return 0, errors.Wrap(ErrArithmetic, err.Error())
	}
	if sum.Sign() <= 0 {
		return 0, errors.Wrapf(ErrArithmetic, "interpolated probability of log probabilities %v and %v is not positive", a, b)
	}
	if _, err := ctx.Ln(&result, &sum); err != nil {
		return 0, errors.Wrap(ErrArithmetic, err.Error())
	}
	f, err := result.Float64()
	if err != nil {
		return 0, errors.Wrap(ErrArithmetic, err.Error())
	}
	return m + f, nil
}

// weightedExp sets d = weight * exp(diff), where diff <= 0 is the distance
// of a term from the largest one.
func weightedExp(ctx *apd.Context, d, weight *apd.Decimal, diff float64) error {
	if diff < -decimalCutoff {
		d.SetInt64(0)
		return nil
	}
	var x, e apd.Decimal
	if _, err := x.SetFloat64(diff); err != nil {
		return errors.Wrapf(ErrArithmetic, "log probability difference %v: %v", diff, err)
	}
	if _, err := ctx.Exp(&e, &x); err != nil {
		return errors.Wrap(ErrArithmetic, err.Error())
	}
	if _, err := ctx.Mul(d, weight, &e); err != nil {
		return errors.Wrap(ErrArithmetic, err.Error())
	}
	return nil
}
