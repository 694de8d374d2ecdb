package main

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func TestUniformInitializerBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		name  string
		init  Initializer
		limit float64
	}{
		{"he", HeUniform{}, math.Sqrt(6.0 / 24)},
		{"glorot", GlorotUniform{}, math.Sqrt(6.0 / (24 + 8))},
	}
	for _, c := range cases {
		w := NewTensor(24, 8)
		c.init.Init(rng, w, 24, 8)
		maxAbs := 0.0
		for _, v := range w.Data() {
			if math.Abs(v) > c.limit {
				t.Fatalf("%s: %f outside ±%f", c.name, v, c.limit)
			}
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
		if maxAbs < c.limit/2 {
			t.Errorf("%s: expected draws to span the range, max |w| %f", c.name, maxAbs)
		}
	}
}

func TestVarianceScalingStd(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w := NewTensor(20000)
	VarianceScaling{Scale: 2}.Init(rng, w, 50, 0)

	want := math.Sqrt(2.0 / 50)
	got := stat.StdDev(w.Data(), nil)
	if math.Abs(got-want)/want > 0.03 {
		t.Errorf("expected std %f, got %f", want, got)
	}
	bound := 2 * want / truncatedNormalStd
	for _, v := range w.Data() {
		if math.Abs(v) > bound+1e-12 {
			t.Fatalf("expected truncation at %f, got %f", bound, v)
		}
	}
}

func TestRandomNormalAndZeros(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	w := NewTensor(20000)
	RandomNormal{Std: 0.05}.Init(rng, w, 0, 0)
	if got := stat.StdDev(w.Data(), nil); math.Abs(got-0.05) > 0.002 {
		t.Errorf("expected std 0.05, got %f", got)
	}

	z := NewTensor(4)
	Zeros{}.Init(rng, z, 1, 1)
	for i, v := range z.Data() {
		if v != 0 {
			t.Errorf("z[%d]: expected 0, got %f", i, v)
		}
	}
}
