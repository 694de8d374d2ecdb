package main

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageSource supplies batches of real images [n, 3, R, R] in [0, 1].
type ImageSource interface {
	GetBatch(n int) (*Tensor, error)
}

// imageExtensions lists the formats registered with image.Decode above.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// FolderSource holds every image of a directory tree in memory, resized to
// R×R. Batches are drawn with replacement and optionally mirrored.
type FolderSource struct {
	size   int
	flip   bool
	images [][]float64 // CHW, 3·R·R each
	files  []string
	rng    *rand.Rand
}

// LoadFolder decodes every supported image below dir on `workers`
// goroutines. Files that fail to decode abort the load.
func LoadFolder(ctx context.Context, dir string, size int, flip bool, workers int, rng *rand.Rand) (*FolderSource, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: walk %s", dir)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("dataset: no images found in %s", dir)
	}
	sort.Strings(files)

	src := &FolderSource{
		size:   size,
		flip:   flip,
		images: make([][]float64, len(files)),
		files:  files,
		rng:    rng,
	}
	pool := NewWorkerPool(ctx, workers)
	pool.Start()
	for i, f := range files {
		i, f := i, f
		if !pool.Submit(func(context.Context) error {
			img, err := decodeImage(f, size)
			if err != nil {
				return err
			}
			src.images[i] = img
			return nil
		}) {
			break
		}
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}
	return src, nil
}

// Len returns the number of images held.
func (s *FolderSource) Len() int {
	return len(s.images)
}

// GetBatch copies n randomly chosen images into a new tensor.
func (s *FolderSource) GetBatch(n int) (*Tensor, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "dataset: batch size %d", n)
	}
	r := s.size
	plane := r * r
	batch := NewTensor(n, 3, r, r)
	for b := 0; b < n; b++ {
		img := s.images[s.rng.Intn(len(s.images))]
		dst := batch.data[b*3*plane : (b+1)*3*plane]
		if !s.flip || s.rng.Float64() < 0.5 {
			copy(dst, img)
			continue
		}
		for c := 0; c < 3; c++ {
			for y := 0; y < r; y++ {
				row := c*plane + y*r
				for x := 0; x < r; x++ {
					dst[row+x] = img[row+r-1-x]
				}
			}
		}
	}
	return batch, nil
}

// decodeImage reads an image file and resamples it to size×size CHW
// floats in [0, 1]. Aspect ratio is not preserved.
func decodeImage(path string, size int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "dataset")
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: decode %s", path)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return rgbaToCHW(dst), nil
}

// rgbaToCHW converts an RGBA image to planar float channels in [0, 1].
func rgbaToCHW(img *image.RGBA) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float64, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				out[c*plane+y*w+x] = float64(img.Pix[o+c]) / 255
			}
		}
	}
	return out
}
