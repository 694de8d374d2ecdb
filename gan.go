package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// GANConfig holds construction-time hyperparameters.
type GANConfig struct {
	// Architecture
	ImageSize  int // Power of two ≥ 4
	LatentSize int // Latent and style dimensionality
	Channels   int // Base channel multiplier ("cha")

	// Optimization
	BatchSize   int
	LR          float64
	LRDecay     float64 // Inverse time decay per step
	Beta1       float64
	Beta2       float64
	AdamEpsilon float64

	// Regularization and smoothing
	GPWeight  float64 // R1 weight γ; the penalty is γ/2 · E||∇D||²
	EMADecay  float64 // β of the shadow weights
	MixedProb float64 // Probability of a style-mixed step

	Seed    int64
	Compute ComputeConfig
}

// DefaultGANConfig returns the configuration of a 128×128 run.
func DefaultGANConfig() GANConfig {
	return GANConfig{
		ImageSize:  128,
		LatentSize: 512,
		Channels:   12,

		BatchSize:   6,
		LR:          1e-4,
		LRDecay:     1e-5,
		Beta1:       0,
		Beta2:       0.999,
		AdamEpsilon: 1e-7,

		GPWeight:  20,
		EMADecay:  0.999,
		MixedProb: 0.9,

		Seed:    1,
		Compute: DefaultComputeConfig(),
	}
}

// Validate fails fast on configurations no network can be built from.
func (c GANConfig) Validate() error {
	if _, err := synthesisLevels(c.ImageSize); err != nil {
		return err
	}
	switch {
	case c.LatentSize <= 0:
		return errors.Errorf("config: latent size must be positive, got %d", c.LatentSize)
	case c.Channels <= 0:
		return errors.Errorf("config: channels must be positive, got %d", c.Channels)
	case c.BatchSize <= 0:
		return errors.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	case c.LR <= 0:
		return errors.Errorf("config: learning rate must be positive, got %g", c.LR)
	case c.EMADecay < 0 || c.EMADecay > 1:
		return errors.Errorf("config: EMA decay must be in [0, 1], got %g", c.EMADecay)
	case c.MixedProb < 0 || c.MixedProb > 1:
		return errors.Errorf("config: mixing probability must be in [0, 1], got %g", c.MixedProb)
	case c.GPWeight < 0:
		return errors.Errorf("config: gradient penalty weight must be non-negative, got %g", c.GPWeight)
	}
	return nil
}

// WeightSet selects which copy of the mapping and synthesis weights a
// forward pass uses.
type WeightSet int

const (
	Primary WeightSet = iota // Trained by the optimizer
	Shadow                   // Exponential moving average
)

func (w WeightSet) String() string {
	if w == Shadow {
		return "ema"
	}
	return "primary"
}

// GAN owns the five networks and the two optimizers.
type GAN struct {
	Config GANConfig

	S  *MappingNetwork
	G  *Generator
	D  *Discriminator
	SE *MappingNetwork // EMA shadow of S
	GE *Generator      // EMA shadow of G

	genOpt   *AdamOptimizer // S and G
	disOpt   *AdamOptimizer // D
	genSched *LRScheduler
	disSched *LRScheduler

	rng *rand.Rand
}

// NewGAN builds freshly initialized networks. The shadows start as exact
// copies of the primaries.
func NewGAN(cfg GANConfig) (*GAN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	SetGlobalComputeConfig(cfg.Compute)
	rng := rand.New(rand.NewSource(cfg.Seed))

	s, err := NewMappingNetwork(NetSpec{LatentSize: cfg.LatentSize, Depth: DefaultMappingDepth}, rng)
	if err != nil {
		return nil, err
	}
	g, err := NewGenerator(NetSpec{ImageSize: cfg.ImageSize, LatentSize: cfg.LatentSize, Channels: cfg.Channels}, rng)
	if err != nil {
		return nil, err
	}
	d, err := NewDiscriminator(NetSpec{ImageSize: cfg.ImageSize, Channels: cfg.Channels}, rng)
	if err != nil {
		return nil, err
	}

	gan := &GAN{Config: cfg, S: s, G: g, D: d, rng: rng}
	se, err := CloneNetwork(s)
	if err != nil {
		return nil, err
	}
	ge, err := CloneNetwork(g)
	if err != nil {
		return nil, err
	}
	gan.SE, gan.GE = se.(*MappingNetwork), ge.(*Generator)

	gan.genOpt = NewAdamOptimizer(gan.genParams(), cfg.Beta1, cfg.Beta2, cfg.AdamEpsilon)
	gan.disOpt = NewAdamOptimizer(d.Parameters(), cfg.Beta1, cfg.Beta2, cfg.AdamEpsilon)
	gan.genSched = NewLRScheduler(cfg.LR, cfg.LRDecay)
	gan.disSched = NewLRScheduler(cfg.LR, cfg.LRDecay)
	return gan, nil
}

// Levels returns the number of style inputs the generator takes.
func (g *GAN) Levels() int {
	return g.G.NumStyles()
}

// genParams lists the parameters updated by the generator loss: mapping
// network first, then synthesis network.
func (g *GAN) genParams() []*Tensor {
	params := append([]*Tensor{}, g.S.Parameters()...)
	return append(params, g.G.Parameters()...)
}

// optimizerTensors names the Adam moments of both optimizers in a fixed
// order: gen.m.0, gen.v.0, ..., dis.m.0, dis.v.0, ...
func (g *GAN) optimizerTensors() ([]string, []*Tensor) {
	var names []string
	var tensors []*Tensor
	for _, o := range []struct {
		prefix string
		opt    *AdamOptimizer
	}{{"gen", g.genOpt}, {"dis", g.disOpt}} {
		for i, m := range o.opt.moments() {
			kind := "m"
			if i%2 == 1 {
				kind = "v"
			}
			names = append(names, fmt.Sprintf("%s.%s.%d", o.prefix, kind, i/2))
			tensors = append(tensors, m)
		}
	}
	return names, tensors
}

// BlendEMA moves the shadow weights toward the primaries by EMADecay.
func (g *GAN) BlendEMA() error {
	if err := BlendParams(g.GE, g.G, g.Config.EMADecay); err != nil {
		return err
	}
	return BlendParams(g.SE, g.S, g.Config.EMADecay)
}

// ResetEMA overwrites the shadow weights with the primaries.
func (g *GAN) ResetEMA() error {
	if err := CopyParams(g.GE, g.G); err != nil {
		return err
	}
	return CopyParams(g.SE, g.S)
}

// networks returns the mapping and synthesis networks of a weight set.
func (g *GAN) networks(w WeightSet) (*MappingNetwork, *Generator) {
	if w == Shadow {
		return g.SE, g.GE
	}
	return g.S, g.G
}

// mapStyles runs every distinct latent batch of a list through m once.
// Levels sharing a latent tensor share the resulting style node.
func mapStyles(tp *Tape, m *MappingNetwork, latents []*Tensor) ([]*Var, error) {
	styles := make([]*Var, len(latents))
	seen := make(map[*Tensor]*Var)
	for i, z := range latents {
		if w, ok := seen[z]; ok {
			styles[i] = w
			continue
		}
		w, err := m.Forward(tp.Const(z))
		if err != nil {
			return nil, errors.Wrapf(err, "style %d", i)
		}
		seen[z] = w
		styles[i] = w
	}
	return styles, nil
}

// Synthesize maps latents through the selected weight set and generates
// images without recording gradients. Large batches are processed in
// chunks of BatchSize.
func (g *GAN) Synthesize(w WeightSet, latents []*Tensor, noise *Tensor) (*Tensor, error) {
	m, gen := g.networks(w)
	return synthesizeChunked(g.Config.BatchSize, latents, noise, func(tp *Tape, zs []*Tensor, nz *Var) (*Var, error) {
		styles, err := mapStyles(tp, m, zs)
		if err != nil {
			return nil, err
		}
		return gen.Forward(styles, nz)
	})
}

// synthesizeChunked splits latents and noise into batches of at most
// chunk rows, runs fn on an inference tape for each and joins the images.
func synthesizeChunked(chunk int, latents []*Tensor, noise *Tensor,
	fn func(tp *Tape, zs []*Tensor, noise *Var) (*Var, error)) (*Tensor, error) {
	if len(latents) == 0 {
		return nil, errors.Wrap(ErrStyleCount, "no latents")
	}
	n := noise.shape[0]
	for i, z := range latents {
		if z.shape[0] != n {
			return nil, errors.Wrapf(ErrShapeMismatch, "latent %d has %d rows, noise has %d", i, z.shape[0], n)
		}
	}
	if chunk <= 0 {
		chunk = n
	}

	var parts []*Tensor
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		// Slice each distinct latent once so shared levels stay shared
		sliced := make(map[*Tensor]*Tensor)
		zs := make([]*Tensor, len(latents))
		for i, z := range latents {
			if s, ok := sliced[z]; ok {
				zs[i] = s
				continue
			}
			sliced[z] = z.Slice(lo, hi)
			zs[i] = sliced[z]
		}

		tp := NewInferenceTape()
		out, err := fn(tp, zs, tp.Const(noise.Slice(lo, hi)))
		if err != nil {
			return nil, err
		}
		parts = append(parts, out.Value)
	}
	return Concat(parts...), nil
}
