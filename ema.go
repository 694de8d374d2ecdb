package main

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// BlendParams moves every shadow parameter toward its primary counterpart:
//
//	shadow = shadow·beta + (1 - beta)·primary
//
// beta = 1 leaves the shadow unchanged; repeated blends with beta < 1
// converge geometrically to the primary values.
func BlendParams(shadow, primary Network, beta float64) error {
	if err := checkSameArchitecture(shadow, primary); err != nil {
		return errors.Wrap(err, "ema blend")
	}
	pp := primary.Parameters()
	for i, s := range shadow.Parameters() {
		floats.Scale(beta, s.data)
		floats.AddScaled(s.data, 1-beta, pp[i].data)
	}
	return nil
}

// CopyParams overwrites dst's values with src's. The two networks must
// have the same architecture; storage is copied, never shared.
func CopyParams(dst, src Network) error {
	if err := checkSameArchitecture(dst, src); err != nil {
		return errors.Wrap(err, "copy parameters")
	}
	sp := src.Parameters()
	for i, d := range dst.Parameters() {
		copy(d.data, sp[i].data)
	}
	return nil
}
