package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// writePNG writes a w×h image whose left half is red and right half blue.
func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= w/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFolder(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 16, 16)
	writePNG(t, filepath.Join(dir, "nested", "b.PNG"), 32, 20)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := LoadFolder(context.Background(), dir, 8, false, 2, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 2 {
		t.Fatalf("expected 2 images, got %d", src.Len())
	}

	batch, err := src.GetBatch(5)
	if err != nil {
		t.Fatal(err)
	}
	if s := batch.Shape(); !shapeEqual(s, []int{5, 3, 8, 8}) {
		t.Fatalf("expected [5 3 8 8], got %v", s)
	}
	// Unflipped: red on the left, blue on the right
	if r, b := batch.At(0, 0, 4, 0), batch.At(0, 2, 4, 0); r < 0.9 || b > 0.1 {
		t.Errorf("expected a red left edge, got r=%f b=%f", r, b)
	}
	if r, b := batch.At(0, 0, 4, 7), batch.At(0, 2, 4, 7); r > 0.1 || b < 0.9 {
		t.Errorf("expected a blue right edge, got r=%f b=%f", r, b)
	}
	for _, v := range batch.Data() {
		if v < 0 || v > 1 {
			t.Fatalf("expected values in [0, 1], got %f", v)
		}
	}

	if _, err := src.GetBatch(0); errors.Cause(err) != ErrInvalidShape {
		t.Errorf("expected ErrInvalidShape, got %v", err)
	}
}

func TestGetBatchFlips(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 8, 8)
	src, err := LoadFolder(context.Background(), dir, 8, true, 1, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	batch, err := src.GetBatch(64)
	if err != nil {
		t.Fatal(err)
	}
	flipped := 0
	for b := 0; b < 64; b++ {
		if batch.At(b, 2, 0, 0) > 0.5 {
			flipped++
		}
	}
	if flipped == 0 || flipped == 64 {
		t.Errorf("expected a mix of flipped and unflipped images, got %d/64 flipped", flipped)
	}
}

func TestLoadFolderErrors(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))

	if _, err := LoadFolder(ctx, t.TempDir(), 8, false, 1, rng); err == nil {
		t.Error("expected an error for an empty folder")
	}
	if _, err := LoadFolder(ctx, filepath.Join(t.TempDir(), "missing"), 8, false, 1, rng); err == nil {
		t.Error("expected an error for a missing folder")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFolder(ctx, dir, 8, false, 2, rng); err == nil {
		t.Error("expected an error for an undecodable image")
	}
}

func TestRGBAToCHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	img.Set(1, 0, color.RGBA{R: 0, G: 102, B: 0, A: 255})
	got := rgbaToCHW(img)
	want := []float64{1, 0, 0, 0.4, 0.2, 0}
	if d := maxAbsDiff(got, want); d > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}
