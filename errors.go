package main

import "github.com/pkg/errors"

// Construction, load and training failures. Numeric kernels panic on shape
// bugs instead; these are the conditions a caller can act on.
var (
	// ErrResolution indicates an image size that is not a power of two ≥ 4.
	ErrResolution = errors.New("stylegan: resolution must be a power of two >= 4")

	// ErrStyleCount indicates a style list whose length does not match the
	// generator's level count.
	ErrStyleCount = errors.New("stylegan: style count does not match synthesis levels")

	// ErrCheckpointMismatch indicates a stored network that does not fit the
	// configured architecture.
	ErrCheckpointMismatch = errors.New("stylegan: checkpoint does not match architecture")

	// ErrNaNLoss is fatal: the discriminator loss diverged.
	ErrNaNLoss = errors.New("stylegan: discriminator loss is NaN")
)
