package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// RunSampleCommand implements the sample CLI: load a checkpoint and render
// evaluation and truncated grids from it.
func RunSampleCommand(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	tc := DefaultTrainerConfig()

	// Checkpoint location
	fs.StringVar(&tc.SaveDir, "save", tc.SaveDir, "Directory holding Models/")
	fs.StringVar(&tc.S3Bucket, "s3-bucket", "", "Read Models/ from this S3 bucket")
	fs.StringVar(&tc.S3Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket")
	fs.StringVar(&tc.S3Region, "s3-region", tc.S3Region, "AWS region of the S3 bucket")
	index := fs.Int("index", -1, "Checkpoint index to load (required)")

	// Output
	num := fs.Int("num", -1, "Result number for the written grids (default: the checkpoint index)")
	trunc := fs.Float64("trunc", DefaultTruncation, "Truncation factor: 1 = none, 0 = center of mass")
	grids := fs.Bool("grids", true, "Render the standard, EMA and mixing grids")
	truncated := fs.Bool("truncated", true, "Render the truncated grid")
	seed := fs.Int64("seed", 1, "Random seed for latents and noise")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *index < 0 {
		return errors.New("-index is required")
	}
	if *trunc < 0 || *trunc > 1 {
		return errors.Errorf("-trunc must be in [0, 1], got %g", *trunc)
	}
	if *num < 0 {
		*num = *index
	}
	ctx := context.Background()

	store, err := tc.OpenStore()
	if err != nil {
		return err
	}

	fmt.Printf("Reading structure from %s...\n", storeLocation(tc))
	gc := DefaultGANConfig()
	gc.Seed = *seed
	gc, err = ConfigFromCheckpoint(ctx, store, gc)
	if err != nil {
		return err
	}
	gan, err := NewGAN(gc)
	if err != nil {
		return err
	}

	trainer := NewTrainer(gan, nil, store, NewConsoleReporter(os.Stdout, true), tc)
	fmt.Printf("Loading checkpoint %d...\n", *index)
	m, err := trainer.Load(ctx, *index)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Loaded %d×%d generator (latent %d, cha %d)\n", gc.ImageSize, gc.ImageSize, gc.LatentSize, gc.Channels)
	if m != nil {
		fmt.Printf("✓ Run %s, step %d\n", m.RunID, m.Step)
	}
	fmt.Println()

	if *grids {
		fmt.Printf("Rendering Results/i%d.png, -ema.png, -mr.png\n", *num)
		if err := trainer.Evaluate(ctx, *num); err != nil {
			return err
		}
	}
	if *truncated {
		fmt.Printf("Rendering Results/t%d.png (trunc %.2f)\n", *num, *trunc)
		if err := trainer.SaveTruncated(ctx, *num, *trunc); err != nil {
			return err
		}
	}
	return nil
}

func storeLocation(tc TrainerConfig) string {
	if tc.S3Bucket != "" {
		return fmt.Sprintf("s3://%s/%s", tc.S3Bucket, tc.S3Prefix)
	}
	return tc.SaveDir
}
