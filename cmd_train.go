package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// Builds (or resumes) a GAN and runs the training loop until -max-steps,
// Ctrl-C or a NaN loss.
//
// OUTPUT:
//   {save}/Models/   five networks per checkpoint index + manifest
//   {save}/Results/  i{n}.png, i{n}-ema.png, i{n}-mr.png, metrics.html
//
// With -s3-bucket the same keys go to s3://bucket/prefix/ instead.
//
// RESUMING:
//   -load N restores all five networks of checkpoint index N. Training
//   continues from the step stored in the manifest; -steps overrides it.
//
// A long run at 128×128 takes days on a CPU. For a smoke test use
// something like -size 16 -cha 4 -latent 32 -max-steps 200.
//
// ===========================================================================

// RunTrainCommand implements the train CLI.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	gc := DefaultGANConfig()
	tc := DefaultTrainerConfig()

	// Architecture
	fs.IntVar(&gc.ImageSize, "size", gc.ImageSize, "Image resolution (power of two >= 4)")
	fs.IntVar(&gc.LatentSize, "latent", gc.LatentSize, "Latent and style size")
	fs.IntVar(&gc.Channels, "cha", gc.Channels, "Base channel multiplier")

	// Optimization
	fs.IntVar(&gc.BatchSize, "batch", gc.BatchSize, "Batch size")
	fs.Float64Var(&gc.LR, "lr", gc.LR, "Adam learning rate")
	fs.Float64Var(&gc.LRDecay, "decay", gc.LRDecay, "Inverse time learning rate decay")
	fs.Float64Var(&gc.MixedProb, "mix", gc.MixedProb, "Probability of a style-mixed step")
	fs.Float64Var(&gc.GPWeight, "gp-weight", gc.GPWeight, "R1 penalty weight")
	fs.Float64Var(&gc.EMADecay, "ema", gc.EMADecay, "EMA decay of the shadow weights")
	fs.Int64Var(&gc.Seed, "seed", gc.Seed, "Random seed")
	workers := fs.Int("workers", 0, "Compute goroutines (0 = all CPUs)")

	// Data and output
	fs.StringVar(&tc.DataDir, "data", tc.DataDir, "Directory of training images")
	fs.StringVar(&tc.SaveDir, "save", tc.SaveDir, "Directory for Models/ and Results/")
	fs.StringVar(&tc.S3Bucket, "s3-bucket", "", "Write Models/ and Results/ to this S3 bucket")
	fs.StringVar(&tc.S3Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket")
	fs.StringVar(&tc.S3Region, "s3-region", tc.S3Region, "AWS region of the S3 bucket")
	noFlip := fs.Bool("no-flip", false, "Disable random horizontal flips")
	fs.IntVar(&tc.Workers, "decode-workers", tc.Workers, "Image decode goroutines")

	// Run control
	load := fs.Int("load", -1, "Resume from checkpoint index")
	steps := fs.Int("steps", 0, "Step to resume at (default: from manifest)")
	maxSteps := fs.Int("max-steps", 0, "Stop after this many steps (0 = run forever)")
	fs.IntVar(&tc.Horizon, "horizon", tc.Horizon, "Step count used for the completion estimate")
	fs.BoolVar(&tc.Silent, "silent", false, "Suppress round summaries")
	fs.BoolVar(&tc.EvalInit, "eval-init", false, "Render evaluation grids at index 0 before training")

	if err := fs.Parse(args); err != nil {
		return err
	}
	tc.Flip = !*noFlip
	gc.Compute = DefaultComputeConfig()
	if *workers > 0 {
		gc.Compute.NumWorkers = *workers
	}
	if err := gc.Validate(); err != nil {
		return err
	}
	if err := tc.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("===========================================================================")
	fmt.Println("TRAINING A STYLE-BASED GAN")
	fmt.Println("===========================================================================")
	fmt.Println()
	fmt.Printf("Model: %d×%d, latent %d, cha %d\n", gc.ImageSize, gc.ImageSize, gc.LatentSize, gc.Channels)
	fmt.Printf("Training: batch %d, lr %g (decay %g), mix %.2f, R1 %g, EMA %g\n",
		gc.BatchSize, gc.LR, gc.LRDecay, gc.MixedProb, gc.GPWeight, gc.EMADecay)
	fmt.Println()

	// Step 1: Output
	fmt.Println("Step 1: Opening output store")
	store, err := tc.OpenStore()
	if err != nil {
		return err
	}
	fmt.Printf("  %s\n", storeLocation(tc))
	fmt.Println()

	// Step 2: Data
	fmt.Println("Step 2: Loading images from", tc.DataDir)
	images, err := LoadFolder(ctx, tc.DataDir, gc.ImageSize, tc.Flip, tc.Workers, rand.New(rand.NewSource(gc.Seed+2)))
	if err != nil {
		return err
	}
	fmt.Printf("  Loaded %d images at %d×%d (flip: %v)\n", images.Len(), gc.ImageSize, gc.ImageSize, tc.Flip)
	fmt.Println()

	// Step 3: Networks
	fmt.Println("Step 3: Building networks")
	gan, err := NewGAN(gc)
	if err != nil {
		return err
	}
	fmt.Printf("  Mapping:       %d parameters\n", CountParameters(gan.S))
	fmt.Printf("  Generator:     %d parameters, %d levels\n", CountParameters(gan.G), gan.Levels())
	fmt.Printf("  Discriminator: %d parameters\n", CountParameters(gan.D))
	fmt.Println()

	trainer := NewTrainer(gan, images, store, NewConsoleReporter(os.Stdout, tc.Silent), tc)

	// Step 4: Resume
	if *load >= 0 {
		fmt.Printf("Step 4: Loading checkpoint %d\n", *load)
		m, err := trainer.Load(ctx, *load)
		if err != nil {
			return err
		}
		if m != nil {
			fmt.Printf("  Run %s, saved at step %d\n", m.RunID, m.Step)
		}
	} else {
		fmt.Println("Step 4: Starting a new run")
	}
	if *steps > 0 {
		trainer.Step = *steps
	}
	fmt.Printf("  Run id: %s, first step: %d\n", trainer.RunID, trainer.Step)
	fmt.Println()

	if tc.EvalInit {
		if err := trainer.Evaluate(ctx, 0); err != nil {
			return err
		}
	}

	// Step 5: Train
	fmt.Println("Step 5: Training...")
	fmt.Println("-------------------------------------------------------------------")
	err = trainer.Train(ctx, *maxSteps)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Printf("\nInterrupted at step %d\n", trainer.Step)
		return nil
	case err != nil:
		return err
	}
	fmt.Println()
	fmt.Printf("Finished at step %d\n", trainer.Step-1)
	return nil
}
