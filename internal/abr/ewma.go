package abr

import "math"

// ewma is an exponentially weighted moving average whose weights are sample
// durations, with a half-life in seconds.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife float64) *ewma {
	return &ewma{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

func (e *ewma) add(weight, value float64) {
	adjAlpha := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adjAlpha) + adjAlpha*e.estimate
	e.totalWeight += weight
}

// get corrects the bias towards 0 of the first samples.
func (e *ewma) get() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	if zeroFactor == 0 {
		return 0
	}
	return e.estimate / zeroFactor
}
