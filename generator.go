package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The synthesis network. It turns one style vector per level, plus a
// single-channel noise field, into an R×R RGB image.
//
// ARCHITECTURE (R = 128, cha = 12, L = log2(R) - 1 = 6 levels):
//
//   const [48,4,4] ─ReLU─► level 0 (4×4,   384 ch) ──► rgb ─up×32─┐
//                          level 1 (8×8,   192 ch) ──► rgb ─up×16─┤
//                          level 2 (16×16,  96 ch) ──► rgb ─up×8──┤
//                          level 3 (32×32,  48 ch) ──► rgb ─up×4──┼─► Σ ─► y/2+0.5
//                          level 4 (64×64,  24 ch) ──► rgb ─up×2──┤
//                          level 5 (128×128,12 ch) ──► rgb ───────┘
//
// One level (all but level 0 start with a bilinear 2× upsample):
//
//   x ─► ModConv3×3(styleA) ─► + noise·wA + bA ─► LReLU(0.2)
//     ─► ModConv3×3(styleB) ─► + noise·wB + bB ─► LReLU(0.2) ─► x'
//   x' ─► ModConv1×1(styleRGB, no demod) ─► 3 channels ─► upsample to R
//
// Every style is a Dense projection of the level's style vector: styleA to
// the input width, styleB and styleRGB to the level width. The noise
// projections start at zero, so noise contributes nothing until training
// finds a use for it.
//
// Channel widths are min(32, 2^(L-1-i)) × cha: the coarse levels are wide,
// the full-resolution level is cha wide.
//
// ===========================================================================

// genLevel holds the parameters of one synthesis level.
type genLevel struct {
	size, inCh, filters int

	styleA, styleAB     *Tensor // Dense latent -> inCh
	styleB, styleBB     *Tensor // Dense latent -> filters
	styleRGB, styleRGBB *Tensor // Dense latent -> filters
	convA, convB, rgb   *Tensor // [filters,inCh,3,3], [filters,filters,3,3], [3,filters,1,1]
	noiseA, noiseAB     *Tensor // [1,filters], [filters]
	noiseB, noiseBB     *Tensor
}

// Generator is the synthesis network.
type Generator struct {
	paramSet
	spec     NetSpec
	constant *Tensor
	levels   []genLevel
}

// NewGenerator builds a generator for spec.ImageSize.
func NewGenerator(spec NetSpec, rng *rand.Rand) (*Generator, error) {
	n, err := synthesisLevels(spec.ImageSize)
	if err != nil {
		return nil, err
	}
	if spec.LatentSize <= 0 || spec.Channels <= 0 {
		return nil, errors.Errorf("generator: latent size and channels must be positive, got %d and %d",
			spec.LatentSize, spec.Channels)
	}
	spec.Kind = KindGenerator
	spec.Depth = 0

	g := &Generator{spec: spec}
	cha, lat := spec.Channels, spec.LatentSize

	g.constant = g.param(rng, "const", RandomNormal{Std: 0.05}, 1, 4*cha*16, 4*cha, 4, 4)
	g.layer(LayerSpec{Kind: LayerConst, Name: "const", Size: 4, Filters: 4 * cha, Params: []string{"const"}})
	g.layer(LayerSpec{Kind: LayerLeakyReLU, Name: "const.relu", Inputs: []string{"const"}, Alpha: 0})
	prev := "const.relu"

	inCh := 4 * cha
	var rgbNames []string
	for i := 0; i < n; i++ {
		mult := 1 << (n - 1 - i)
		if mult > 32 {
			mult = 32
		}
		lv := genLevel{size: 4 << i, inCh: inCh, filters: mult * cha}
		f := lv.filters
		rgbScale := VarianceScaling{Scale: 200 / float64(lv.size)}
		name := func(s string) string { return layerName("level", i, s) }

		lv.styleRGB = g.param(rng, name("style_rgb.weight"), rgbScale, lat, f, lat, f)
		lv.styleRGBB = g.param(rng, name("style_rgb.bias"), Zeros{}, lat, f, f)
		lv.styleA = g.param(rng, name("style_a.weight"), HeUniform{}, lat, inCh, lat, inCh)
		lv.styleAB = g.param(rng, name("style_a.bias"), Zeros{}, lat, inCh, inCh)
		lv.noiseA = g.param(rng, name("noise_a.weight"), Zeros{}, 1, f, 1, f)
		lv.noiseAB = g.param(rng, name("noise_a.bias"), Zeros{}, 1, f, f)
		lv.convA = g.param(rng, name("conv_a.weight"), HeUniform{}, inCh*9, f*9, f, inCh, 3, 3)
		lv.styleB = g.param(rng, name("style_b.weight"), HeUniform{}, lat, f, lat, f)
		lv.styleBB = g.param(rng, name("style_b.bias"), Zeros{}, lat, f, f)
		lv.noiseB = g.param(rng, name("noise_b.weight"), Zeros{}, 1, f, 1, f)
		lv.noiseBB = g.param(rng, name("noise_b.bias"), Zeros{}, 1, f, f)
		lv.convB = g.param(rng, name("conv_b.weight"), HeUniform{}, f*9, f*9, f, f, 3, 3)
		lv.rgb = g.param(rng, name("rgb.weight"), rgbScale, f, 3, 3, f, 1, 1)

		style := fmt.Sprintf("style%d", i)
		in := prev
		if i > 0 {
			g.layer(LayerSpec{Kind: LayerUpsample, Name: name("up"), Inputs: []string{prev}, Factor: 2})
			in = name("up")
		}
		g.layer(LayerSpec{Kind: LayerDense, Name: name("style_rgb"), Inputs: []string{style}, Units: f,
			Params: []string{name("style_rgb.weight"), name("style_rgb.bias")}})
		g.layer(LayerSpec{Kind: LayerDense, Name: name("style_a"), Inputs: []string{style}, Units: inCh,
			Params: []string{name("style_a.weight"), name("style_a.bias")}})
		g.layer(LayerSpec{Kind: LayerCrop, Name: name("crop"), Inputs: []string{"noise"}, Size: lv.size})
		g.layer(LayerSpec{Kind: LayerDense, Name: name("noise_a"), Inputs: []string{name("crop")}, Units: f,
			Params: []string{name("noise_a.weight"), name("noise_a.bias")}})
		g.layer(LayerSpec{Kind: LayerModConv, Name: name("conv_a"), Inputs: []string{in, name("style_a")},
			Filters: f, Kernel: 3, Demod: boolPtr(true), Params: []string{name("conv_a.weight")}})
		g.layer(LayerSpec{Kind: LayerAdd, Name: name("add_a"), Inputs: []string{name("conv_a"), name("noise_a")}})
		g.layer(LayerSpec{Kind: LayerLeakyReLU, Name: name("lrelu_a"), Inputs: []string{name("add_a")}, Alpha: 0.2})
		g.layer(LayerSpec{Kind: LayerDense, Name: name("style_b"), Inputs: []string{style}, Units: f,
			Params: []string{name("style_b.weight"), name("style_b.bias")}})
		g.layer(LayerSpec{Kind: LayerDense, Name: name("noise_b"), Inputs: []string{name("crop")}, Units: f,
			Params: []string{name("noise_b.weight"), name("noise_b.bias")}})
		g.layer(LayerSpec{Kind: LayerModConv, Name: name("conv_b"), Inputs: []string{name("lrelu_a"), name("style_b")},
			Filters: f, Kernel: 3, Demod: boolPtr(true), Params: []string{name("conv_b.weight")}})
		g.layer(LayerSpec{Kind: LayerAdd, Name: name("add_b"), Inputs: []string{name("conv_b"), name("noise_b")}})
		g.layer(LayerSpec{Kind: LayerLeakyReLU, Name: name("lrelu_b"), Inputs: []string{name("add_b")}, Alpha: 0.2})
		g.layer(LayerSpec{Kind: LayerModConv, Name: name("rgb"), Inputs: []string{name("lrelu_b"), name("style_rgb")},
			Filters: 3, Kernel: 1, Demod: boolPtr(false), Params: []string{name("rgb.weight")}})
		g.layer(LayerSpec{Kind: LayerUpsample, Name: name("rgb_up"), Inputs: []string{name("rgb")},
			Factor: spec.ImageSize / lv.size})

		rgbNames = append(rgbNames, name("rgb_up"))
		prev = name("lrelu_b")
		inCh = f
		g.levels = append(g.levels, lv)
	}
	g.layer(LayerSpec{Kind: LayerAdd, Name: "image", Inputs: rgbNames})

	return g, nil
}

func (g *Generator) Spec() NetSpec { return g.spec }

// NumStyles returns the number of style vectors Forward expects.
func (g *Generator) NumStyles() int { return len(g.levels) }

// Forward synthesizes images [N, 3, R, R] in roughly [0, 1] from one style
// batch [N, latent] per level and a noise field [N, 1, R, R].
func (g *Generator) Forward(styles []*Var, noise *Var) (*Var, error) {
	if len(styles) != len(g.levels) {
		return nil, errors.Wrapf(ErrStyleCount, "got %d styles for %d levels", len(styles), len(g.levels))
	}
	size := g.spec.ImageSize
	ns := noise.Value.shape
	if len(ns) != 4 || ns[1] != 1 || ns[2] != size || ns[3] != size {
		return nil, errors.Wrapf(ErrShapeMismatch, "generator: noise %v, want [N 1 %d %d]", ns, size, size)
	}
	n := ns[0]
	for i, s := range styles {
		if !shapeEqual(s.Value.shape, []int{n, g.spec.LatentSize}) {
			return nil, errors.Wrapf(ErrShapeMismatch, "generator: style %d is %v, want [%d %d]",
				i, s.Value.shape, n, g.spec.LatentSize)
		}
	}

	tp := noise.tape
	p := tp.Param
	x := ReLU(BroadcastBatch(p(g.constant), n))

	rgbs := make([]*Var, 0, len(g.levels))
	for i, lv := range g.levels {
		if i > 0 {
			x = Upsample(x, 2)
		}
		st := styles[i]
		rgbStyle := Dense(st, p(lv.styleRGB), p(lv.styleRGBB))

		x = ModConv2D(x, Dense(st, p(lv.styleA), p(lv.styleAB)), p(lv.convA), true)
		x = LeakyReLU(Add(x, NoiseInject(noise, p(lv.noiseA), p(lv.noiseAB), lv.size, lv.size)), 0.2)

		x = ModConv2D(x, Dense(st, p(lv.styleB), p(lv.styleBB)), p(lv.convB), true)
		x = LeakyReLU(Add(x, NoiseInject(noise, p(lv.noiseB), p(lv.noiseBB), lv.size, lv.size)), 0.2)

		rgb := ModConv2D(x, rgbStyle, p(lv.rgb), false)
		rgbs = append(rgbs, Upsample(rgb, size/lv.size))
	}

	// Centred around 0 during training, shifted into [0, 1] for output
	return AddScalar(Scale(AddN(rgbs...), 0.5), 0.5), nil
}
