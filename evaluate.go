package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

const (
	// gridSide is the number of images per row and column of a sample grid.
	gridSide = 8

	// centerOfMassSamples is the number of latents averaged for truncation.
	centerOfMassSamples = 2000
	centerOfMassBatch   = 64

	// DefaultTruncation is the truncation factor used when none is given.
	DefaultTruncation = 0.5
)

// Evaluate renders the three sample grids of an evaluation index:
//
//   - Results/i{num}.png      64 samples through the primary networks
//   - Results/i{num}-ema.png  the same inputs through the EMA networks
//   - Results/i{num}-mr.png   style mixing: row r takes its coarse styles
//     from latent r, column c its fine styles from latent c (EMA networks)
func (t *Trainer) Evaluate(ctx context.Context, num int) error {
	n := gridSide * gridSide
	latents := t.Sampler.NoiseList(n)
	noise := t.Sampler.NoiseImage(n)

	imgs, err := t.GAN.Synthesize(Primary, latents, noise)
	if err != nil {
		return errors.Wrap(err, "evaluate: primary")
	}
	if err := t.putGrid(ctx, fmt.Sprintf("Results/i%d.png", num), imgs, false); err != nil {
		return err
	}

	imgs, err = t.GAN.Synthesize(Shadow, latents, noise)
	if err != nil {
		return errors.Wrap(err, "evaluate: ema")
	}
	if err := t.putGrid(ctx, fmt.Sprintf("Results/i%d-ema.png", num), imgs, false); err != nil {
		return err
	}

	imgs, err = t.MixingGrid(t.Sampler.Noise(gridSide), t.Sampler.NoiseImage(n))
	if err != nil {
		return errors.Wrap(err, "evaluate: mixing")
	}
	return t.putGrid(ctx, fmt.Sprintf("Results/i%d-mr.png", num), imgs, true)
}

// MixingGrid synthesizes the style-mixing samples for gridSide base latents
// through the EMA networks. Sample k takes the first half of its level
// styles from base[k % side] and the rest from base[k / side]; rendered
// column-major, row r shares the coarse latent r and column c the fine
// latent c.
func (t *Trainer) MixingGrid(base, noise *Tensor) (*Tensor, error) {
	coarse, fine := mixingLatents(base)
	levels := t.GAN.Levels()
	return t.GAN.Synthesize(Shadow, SplitList(coarse, fine, levels, levels/2), noise)
}

// mixingLatents expands gridSide base latents into two grid-sized batches:
// coarse[k] = base[k % side] and fine[k] = base[k / side].
func mixingLatents(base *Tensor) (coarse, fine *Tensor) {
	side, dim := base.shape[0], base.shape[1]
	coarse = NewTensor(side*side, dim)
	fine = NewTensor(side*side, dim)
	for k := 0; k < side*side; k++ {
		copy(coarse.data[k*dim:(k+1)*dim], base.data[(k%side)*dim:(k%side+1)*dim])
		copy(fine.data[k*dim:(k+1)*dim], base.data[(k/side)*dim:(k/side+1)*dim])
	}
	return coarse, fine
}

// CenterOfMass returns the mean style [1, latent] of the primary mapping
// network over 2000 random latents. It is computed once per Trainer.
func (t *Trainer) CenterOfMass() (*Tensor, error) {
	if t.centerOfMass != nil {
		return t.centerOfMass, nil
	}
	dim := t.GAN.Config.LatentSize
	styles := make([]*Tensor, 0, centerOfMassSamples/centerOfMassBatch+1)
	for done := 0; done < centerOfMassSamples; done += centerOfMassBatch {
		n := centerOfMassBatch
		if done+n > centerOfMassSamples {
			n = centerOfMassSamples - done
		}
		w, err := t.GAN.S.Map(t.Sampler.Noise(n))
		if err != nil {
			return nil, errors.Wrap(err, "center of mass")
		}
		styles = append(styles, w)
	}
	all := Concat(styles...)

	com := NewTensor(1, dim)
	col := make([]float64, all.shape[0])
	for j := 0; j < dim; j++ {
		for r := range col {
			col[r] = all.data[r*dim+j]
		}
		com.data[j] = stat.Mean(col, nil)
	}
	t.centerOfMass = com
	return com, nil
}

// GenerateTruncated maps latents through the primary mapping network, pulls
// every style toward the center of mass,
//
//	w' = trunc·(w - com) + com
//
// and synthesizes through the EMA generator. trunc = 1 leaves styles
// untouched; trunc = 0 collapses them all onto the center of mass. A nil
// noise draws a fresh field.
func (t *Trainer) GenerateTruncated(latents []*Tensor, noise *Tensor, trunc float64) (*Tensor, error) {
	com, err := t.CenterOfMass()
	if err != nil {
		return nil, err
	}
	if len(latents) == 0 {
		return nil, errors.Wrap(ErrStyleCount, "no latents")
	}
	if noise == nil {
		noise = t.Sampler.NoiseImage(latents[0].shape[0])
	}
	s, gen := t.GAN.S, t.GAN.GE
	return synthesizeChunked(t.GAN.Config.BatchSize, latents, noise, func(tp *Tape, zs []*Tensor, nz *Var) (*Var, error) {
		styles, err := mapStyles(tp, s, zs)
		if err != nil {
			return nil, err
		}
		pulled := make(map[*Var]*Var)
		for i, w := range styles {
			if p, ok := pulled[w]; ok {
				styles[i] = p
				continue
			}
			p := tp.Const(truncate(w.Value, com, trunc))
			pulled[w] = p
			styles[i] = p
		}
		return gen.Forward(styles, nz)
	})
}

// truncate returns trunc·(w - com) + com row by row.
func truncate(w, com *Tensor, trunc float64) *Tensor {
	rows, dim := w.shape[0], w.shape[1]
	out := NewTensor(rows, dim)
	for r := 0; r < rows; r++ {
		for j := 0; j < dim; j++ {
			c := com.data[j]
			out.data[r*dim+j] = trunc*(w.data[r*dim+j]-c) + c
		}
	}
	return out
}

// SaveTruncated renders 64 truncated samples to Results/t{num}.png.
func (t *Trainer) SaveTruncated(ctx context.Context, num int, trunc float64) error {
	imgs, err := t.GenerateTruncated(t.Sampler.NoiseList(gridSide*gridSide), nil, trunc)
	if err != nil {
		return errors.Wrap(err, "truncated samples")
	}
	return t.putGrid(ctx, fmt.Sprintf("Results/t%d.png", num), imgs, true)
}

func (t *Trainer) putGrid(ctx context.Context, key string, imgs *Tensor, columnMajor bool) error {
	data, err := encodeGrid(imgs, gridSide, columnMajor)
	if err != nil {
		return errors.Wrap(err, key)
	}
	return t.Store.Put(ctx, key, data)
}

// encodeGrid tiles side×side images [N,3,R,R] into one PNG. Row-major puts
// image k at row k/side; column-major puts it at column k/side. Values
// are clipped to [0, 1] and scaled to 0..255 by truncation.
func encodeGrid(imgs *Tensor, side int, columnMajor bool) ([]byte, error) {
	s := imgs.shape
	if len(s) != 4 || s[1] != 3 || s[0] != side*side {
		return nil, errors.Wrapf(ErrShapeMismatch, "grid: got %v, want [%d 3 R R]", s, side*side)
	}
	h, w := s[2], s[3]
	plane := h * w
	grid := image.NewNRGBA(image.Rect(0, 0, side*w, side*h))
	for k := 0; k < s[0]; k++ {
		row, col := k/side, k%side
		if columnMajor {
			row, col = col, row
		}
		img := imgs.data[k*3*plane : (k+1)*3*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				grid.SetNRGBA(col*w+x, row*h+y, color.NRGBA{
					R: toByte(img[i]),
					G: toByte(img[plane+i]),
					B: toByte(img[2*plane+i]),
					A: 255,
				})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, grid); err != nil {
		return nil, errors.Wrap(err, "grid: encode png")
	}
	return buf.Bytes(), nil
}

func toByte(v float64) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v * 255)
}
