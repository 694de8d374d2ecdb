package main

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the goroutine fan-out used by the convolution
// kernels and large element-wise operations.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Let the user choose between
// single-threaded (deterministic, debuggable) and parallel (faster) modes at
// runtime.
//
// WHERE THE PARALLELISM IS:
//
// The training step itself is strictly sequential: one forward pass, one
// backward pass, one parameter update, then the counter-gated policies.
// Inside a step, the expensive work is the convolutions:
//
//   - Modulated convolutions have a different filter bank for every sample,
//     so the natural unit of work is one sample: im2col + one GEMM.
//   - Plain convolutions (discriminator) share filters, but splitting by
//     sample keeps the im2col buffers per goroutine and small.
//
// Each worker writes a disjoint slice of the output. Weight gradients are
// accumulated into per-sample buffers and reduced after wg.Wait(), so no
// worker ever writes memory another worker reads.
//
// Chunks run on a standing TensorPool rather than fresh goroutines, and
// the per-sample buffers come from the ScratchPool.
//
// The GEMMs themselves go through gonum's blas64 (native Go BLAS), which
// splits large products across goroutines on its own.
//
// PERFORMANCE CHARACTERISTICS:
//   - Batch 1: no benefit, falls back to a plain loop
//   - Batch 6 at 128×128: close to linear up to min(batch, cores)
//   - Memory: one im2col buffer per in-flight sample
//
// ===========================================================================

// ComputeConfig decides how the convolution kernels and large element-wise
// ops spread over goroutines. Training with Parallel off is bit-for-bit
// reproducible for a fixed seed.
type ComputeConfig struct {
	Parallel bool

	// NumWorkers caps the goroutines per op; 0 means runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the element count below which an op stays on
	// the calling goroutine.
	MinSizeForParallel int
}

// DefaultComputeConfig fans out over every CPU once an op touches 16k
// elements, roughly one 128×128 feature map.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{Parallel: true, MinSizeForParallel: 1 << 14}
}

// SingleThreadedConfig keeps every op on the calling goroutine.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{NumWorkers: 1}
}

func (c ComputeConfig) numWorkers() int {
	switch {
	case !c.Parallel:
		return 1
	case c.NumWorkers > 0:
		return c.NumWorkers
	default:
		return runtime.NumCPU()
	}
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// globalComputeConfig is read by every op. Set it before a step starts,
// never during one.
var globalComputeConfig = DefaultComputeConfig()

func SetGlobalComputeConfig(cfg ComputeConfig) { globalComputeConfig = cfg }

func GetGlobalComputeConfig() ComputeConfig { return globalComputeConfig }

// parallelFor runs fn(i) for i in [0, n). work is the total number of
// elements the loop touches and decides whether goroutines are worth it.
// fn must only write state owned by index i.
func parallelFor(n, work int, cfg ComputeConfig, fn func(i int)) {
	workers := min(cfg.numWorkers(), n)
	if workers <= 1 || !cfg.shouldParallelize(work) {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	runChunks(sharedTensorPool(), n, workers, fn)
}

// runChunks splits [0, n) into chunks contiguous ranges, offers all but the
// first to pool and then runs every chunk nobody has claimed yet on the
// calling goroutine. It returns when all chunks are done.
func runChunks(pool *TensorPool, n, chunks int, fn func(i int)) {
	// chunk c owns [c*size, (c+1)*size)
	size := (n + chunks - 1) / chunks
	chunks = (n + size - 1) / size

	claimed := make([]atomic.Bool, chunks)
	var wg sync.WaitGroup
	wg.Add(chunks)
	run := func(c int) {
		if !claimed[c].CompareAndSwap(false, true) {
			return
		}
		defer wg.Done()
		for i := c * size; i < min((c+1)*size, n); i++ {
			fn(i)
		}
	}

	for c := 1; c < chunks; c++ {
		pool.TrySubmit(func() { run(c) })
	}
	for c := 0; c < chunks; c++ {
		run(c)
	}
	wg.Wait()
}

// ParallelApply maps fn over t into a fresh tensor of the same shape.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)
	size := len(t.data)
	if size == 0 {
		return out
	}
	workers := min(cfg.numWorkers(), size)
	span := (size + workers - 1) / workers
	parallelFor(workers, size, cfg, func(w int) {
		for i := w * span; i < min((w+1)*span, size); i++ {
			out.data[i] = fn(t.data[i])
		}
	})
	return out
}
