package main

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	if !cfg.Parallel {
		t.Error("default config should enable parallel execution")
	}
	if cfg.numWorkers() != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.numWorkers())
	}

	stCfg := SingleThreadedConfig()
	if stCfg.Parallel {
		t.Error("single-threaded config should disable parallel execution")
	}
	if stCfg.numWorkers() != 1 {
		t.Errorf("single-threaded config should have 1 worker, got %d", stCfg.numWorkers())
	}
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{
		Parallel:           true,
		NumWorkers:         4,
		MinSizeForParallel: 100,
	}
	if cfg.shouldParallelize(50) {
		t.Error("should not parallelize size 50 with threshold 100")
	}
	if !cfg.shouldParallelize(200) {
		t.Error("should parallelize size 200 with threshold 100")
	}
}

func TestParallelForVisitsEveryIndexOnce(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 3, MinSizeForParallel: 1}
	for _, n := range []int{1, 2, 7, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			counts := make([]int32, n)
			parallelFor(n, 1<<20, cfg, func(i int) {
				atomic.AddInt32(&counts[i], 1)
			})
			for i, c := range counts {
				if c != 1 {
					t.Errorf("index %d: expected 1 visit, got %d", i, c)
				}
			}
		})
	}
}

func TestParallelApply(t *testing.T) {
	x := RandNormal(rand.New(rand.NewSource(1)), 1, 10000)
	fn := func(v float64) float64 { return v * 2.0 }

	resultST := ParallelApply(x, fn, SingleThreadedConfig())
	resultPar := ParallelApply(x, fn, ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 1})

	if d := maxAbsDiff(resultST.Data(), resultPar.Data()); d > 1e-12 {
		t.Errorf("parallel and single-threaded apply differ by %g", d)
	}
	if resultST.At(3) != 2*x.At(3) {
		t.Errorf("expected %f, got %f", 2*x.At(3), resultST.At(3))
	}
}

func TestConvParallelMatchesSerial(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	rng := rand.New(rand.NewSource(3))
	x := RandNormal(rng, 1, 4, 3, 8, 8)
	style := RandNormal(rng, 0.3, 4, 3)
	w := RandNormal(rng, 0.5, 5, 3, 3, 3)

	run := func(cfg ComputeConfig) ([]float64, []float64) {
		SetGlobalComputeConfig(cfg)
		tp := NewTape()
		wv := tp.Param(w)
		out := ModConv2D(tp.Const(x), tp.Const(style), wv, true)
		if err := tp.Backward(out, wv); err != nil {
			t.Fatal(err)
		}
		return append([]float64(nil), out.Value.Data()...), append([]float64(nil), wv.Grad()...)
	}

	outST, gradST := run(SingleThreadedConfig())
	outPar, gradPar := run(ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 1})
	if d := maxAbsDiff(outST, outPar); d > 1e-12 {
		t.Errorf("forward differs by %g", d)
	}
	if d := maxAbsDiff(gradST, gradPar); d > 1e-10 {
		t.Errorf("weight gradient differs by %g", d)
	}
}

func TestGlobalComputeConfig(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	SetGlobalComputeConfig(SingleThreadedConfig())
	if GetGlobalComputeConfig().Parallel {
		t.Error("global config should be single-threaded")
	}
	SetGlobalComputeConfig(DefaultComputeConfig())
	if !GetGlobalComputeConfig().Parallel {
		t.Error("global config should be parallel")
	}
}

func BenchmarkModConv2D(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	x := RandNormal(rng, 1, 6, 24, 64, 64)
	style := RandNormal(rng, 0.3, 6, 24)
	w := RandNormal(rng, 0.1, 24, 24, 3, 3)

	for _, cfg := range []ComputeConfig{SingleThreadedConfig(), DefaultComputeConfig()} {
		b.Run(fmt.Sprintf("parallel=%v", cfg.Parallel), func(b *testing.B) {
			original := GetGlobalComputeConfig()
			defer SetGlobalComputeConfig(original)
			SetGlobalComputeConfig(cfg)
			for i := 0; i < b.N; i++ {
				tp := NewInferenceTape()
				_ = ModConv2D(tp.Const(x), tp.Const(style), tp.Const(w), true)
			}
		})
	}
}
