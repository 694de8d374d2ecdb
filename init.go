package main

import (
	"math"
	"math/rand"
)

// Initializer fills a freshly allocated parameter tensor.
type Initializer interface {
	Init(rng *rand.Rand, t *Tensor, fanIn, fanOut int)
}

// HeUniform draws from U(±sqrt(6/fan_in)). Default for convolutions and
// style projections.
type HeUniform struct{}

func (HeUniform) Init(rng *rand.Rand, t *Tensor, fanIn, _ int) {
	fillUniform(rng, t, math.Sqrt(6/float64(fanIn)))
}

// GlorotUniform draws from U(±sqrt(6/(fan_in+fan_out))). Used by the
// mapping network.
type GlorotUniform struct{}

func (GlorotUniform) Init(rng *rand.Rand, t *Tensor, fanIn, fanOut int) {
	fillUniform(rng, t, math.Sqrt(6/float64(fanIn+fanOut)))
}

// truncatedNormalStd is the standard deviation of N(0,1) truncated to
// [-2, 2]. Dividing by it makes the truncated draw hit the target std.
const truncatedNormalStd = 0.87962566103423978

// VarianceScaling draws from a normal truncated at two standard deviations
// with std sqrt(Scale/fan_in).
//
// The RGB layers use Scale = 200/size, so low-resolution levels start with
// much larger RGB contributions than high-resolution ones and the summed
// image is not dominated by fine detail at initialization.
type VarianceScaling struct {
	Scale float64
}

func (v VarianceScaling) Init(rng *rand.Rand, t *Tensor, fanIn, _ int) {
	std := math.Sqrt(v.Scale/float64(fanIn)) / truncatedNormalStd
	for i := range t.data {
		z := rng.NormFloat64()
		for math.Abs(z) > 2 {
			z = rng.NormFloat64()
		}
		t.data[i] = z * std
	}
}

// RandomNormal draws from N(0, Std²).
type RandomNormal struct {
	Std float64
}

func (r RandomNormal) Init(rng *rand.Rand, t *Tensor, _, _ int) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * r.Std
	}
}

// Zeros leaves the tensor at zero.
type Zeros struct{}

func (Zeros) Init(*rand.Rand, *Tensor, int, int) {}

func fillUniform(rng *rand.Rand, t *Tensor, limit float64) {
	for i := range t.data {
		t.data[i] = (2*rng.Float64() - 1) * limit
	}
}
