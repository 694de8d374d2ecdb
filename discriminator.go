package main

import (
	"math/bits"
	"math/rand"

	"github.com/pkg/errors"
)

// discBlock is one residual level of the discriminator:
//
//	x ─► Conv1×1 ──────────────────────────────┐
//	x ─► Conv3×3 ─► LReLU ─► Conv3×3 ─► LReLU ─┴─► + ─► AvgPool2 (all but last)
type discBlock struct {
	inCh, filters int
	pool          bool

	res, resB *Tensor // [filters,inCh,1,1], [filters]
	c1, c1B   *Tensor // [filters,inCh,3,3]
	c2, c2B   *Tensor // [filters,filters,3,3]
}

// Discriminator scores images [N, 3, R, R] with one logit each.
type Discriminator struct {
	paramSet
	spec   NetSpec
	blocks []discBlock
	head   *Tensor // [flat, 1]
	headB  *Tensor // [1]
	flat   int
}

// NewDiscriminator builds max(1, log2(R)-2) residual blocks with widths
// cha, 2·cha, 4·cha, ... followed by a Dense(1) head.
func NewDiscriminator(spec NetSpec, rng *rand.Rand) (*Discriminator, error) {
	if _, err := synthesisLevels(spec.ImageSize); err != nil {
		return nil, err
	}
	if spec.Channels <= 0 {
		return nil, errors.Errorf("discriminator: channels must be positive, got %d", spec.Channels)
	}
	spec.Kind = KindDiscriminator
	spec.LatentSize, spec.Depth = 0, 0

	d := &Discriminator{spec: spec}
	nb := bits.TrailingZeros(uint(spec.ImageSize)) - 2
	if nb < 1 {
		nb = 1
	}

	prev, inCh, size := "image", 3, spec.ImageSize
	for i := 0; i < nb; i++ {
		f := spec.Channels << i
		b := discBlock{inCh: inCh, filters: f, pool: i < nb-1}
		name := func(s string) string { return layerName("block", i, s) }

		b.res = d.param(rng, name("res.weight"), HeUniform{}, inCh, f, f, inCh, 1, 1)
		b.resB = d.param(rng, name("res.bias"), Zeros{}, inCh, f, f)
		b.c1 = d.param(rng, name("conv1.weight"), HeUniform{}, inCh*9, f*9, f, inCh, 3, 3)
		b.c1B = d.param(rng, name("conv1.bias"), Zeros{}, inCh*9, f*9, f)
		b.c2 = d.param(rng, name("conv2.weight"), HeUniform{}, f*9, f*9, f, f, 3, 3)
		b.c2B = d.param(rng, name("conv2.bias"), Zeros{}, f*9, f*9, f)

		d.layer(LayerSpec{Kind: LayerConv, Name: name("res"), Inputs: []string{prev}, Filters: f, Kernel: 1,
			Params: []string{name("res.weight"), name("res.bias")}})
		d.layer(LayerSpec{Kind: LayerConv, Name: name("conv1"), Inputs: []string{prev}, Filters: f, Kernel: 3,
			Params: []string{name("conv1.weight"), name("conv1.bias")}})
		d.layer(LayerSpec{Kind: LayerLeakyReLU, Name: name("lrelu1"), Inputs: []string{name("conv1")}, Alpha: 0.2})
		d.layer(LayerSpec{Kind: LayerConv, Name: name("conv2"), Inputs: []string{name("lrelu1")}, Filters: f, Kernel: 3,
			Params: []string{name("conv2.weight"), name("conv2.bias")}})
		d.layer(LayerSpec{Kind: LayerLeakyReLU, Name: name("lrelu2"), Inputs: []string{name("conv2")}, Alpha: 0.2})
		d.layer(LayerSpec{Kind: LayerAdd, Name: name("add"), Inputs: []string{name("res"), name("lrelu2")}})
		prev = name("add")
		if b.pool {
			d.layer(LayerSpec{Kind: LayerAvgPool, Name: name("pool"), Inputs: []string{prev}, Factor: 2})
			prev = name("pool")
			size /= 2
		}

		d.blocks = append(d.blocks, b)
		inCh = f
	}

	d.flat = inCh * size * size
	d.head = d.param(rng, "head.weight", HeUniform{}, d.flat, 1, d.flat, 1)
	d.headB = d.param(rng, "head.bias", Zeros{}, d.flat, 1, 1)
	d.layer(LayerSpec{Kind: LayerDense, Name: "head", Inputs: []string{prev}, Units: 1,
		Params: []string{"head.weight", "head.bias"}})

	return d, nil
}

func (d *Discriminator) Spec() NetSpec { return d.spec }

// Forward scores x [N, 3, R, R] and returns logits [N, 1].
func (d *Discriminator) Forward(x *Var) (*Var, error) {
	r := d.spec.ImageSize
	if s := x.Value.shape; len(s) != 4 || s[1] != 3 || s[2] != r || s[3] != r {
		return nil, errors.Wrapf(ErrShapeMismatch, "discriminator: images %v, want [N 3 %d %d]", s, r, r)
	}
	tp := x.tape
	p := tp.Param
	n := x.Value.shape[0]

	for _, b := range d.blocks {
		res := Conv2D(x, p(b.res), p(b.resB))
		out := LeakyReLU(Conv2D(x, p(b.c1), p(b.c1B)), 0.2)
		out = LeakyReLU(Conv2D(out, p(b.c2), p(b.c2B)), 0.2)
		x = Add(res, out)
		if b.pool {
			x = AvgPool2(x)
		}
	}

	return Dense(Reshape(x, n, d.flat), p(d.head), p(d.headB)), nil
}
