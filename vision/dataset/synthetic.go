package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/densemark/uvtrain/tensor"
)

// SyntheticConfig controls the synthetic radiograph generator. Zero values
// fall back to a small JSRT-shaped dataset.
type SyntheticConfig struct {
	Samples           int      // 12 when zero
	ImageSize         int      // 64 when zero
	ClassLabels       []string // JSRT structures when nil
	LandmarksPerClass []int    // JSRT counts when nil
	PixelResolutionMM float64  // 1.4 when zero
	TrainFraction     float64  // 0.8 when zero
	Seed              int64
}

// Landmarks sit on a ring well inside the ellipse boundary, so their nearest
// pixels still carry finite UV values after rounding to the grid.
const landmarkRing = 0.7

// NewSynthetic builds a deterministic in-memory dataset: one jittered
// ellipse mask per structure, landmarks on a ring inside it and a UV map
// that ramps over the ellipse's intrinsic coordinates. The same seed always
// produces the same dataset.
func NewSynthetic(cfg SyntheticConfig) (*RadiographDataset, error) {
	if cfg.Samples == 0 {
		cfg.Samples = 12
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = 64
	}
	if cfg.ClassLabels == nil && cfg.LandmarksPerClass == nil {
		cfg.ClassLabels = append([]string(nil), JSRTClassLabels...)
		cfg.LandmarksPerClass = append([]int(nil), JSRTLandmarksPerClass...)
	}
	if cfg.PixelResolutionMM == 0 {
		cfg.PixelResolutionMM = JSRTPixelResolutionMM
	}
	if cfg.TrainFraction == 0 {
		cfg.TrainFraction = 0.8
	}

	if cfg.Samples < 1 {
		return nil, fmt.Errorf("sample count must be positive, got %d", cfg.Samples)
	}
	if cfg.ImageSize < 16 {
		return nil, fmt.Errorf("image size must be at least 16, got %d", cfg.ImageSize)
	}
	if cfg.TrainFraction <= 0 || cfg.TrainFraction > 1 {
		return nil, fmt.Errorf("train fraction must be in (0, 1], got %f", cfg.TrainFraction)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	size := cfg.ImageSize
	numClasses := len(cfg.ClassLabels)
	numLandmarks := 0
	for _, count := range cfg.LandmarksPerClass {
		numLandmarks += count
	}

	planeSize := size * size
	images := make([]float32, cfg.Samples*planeSize)
	landmarks := make([]float32, cfg.Samples*numLandmarks*2)
	masks := make([]float32, cfg.Samples*numClasses*planeSize)
	uv := make([]float32, cfg.Samples*numClasses*2*planeSize)
	for i := range uv {
		uv[i] = tensor.NaN32()
	}

	for s := 0; s < cfg.Samples; s++ {
		imgOff := s * planeSize
		for p := 0; p < planeSize; p++ {
			images[imgOff+p] = float32(0.1 + 0.05*rng.Float64())
		}

		landmarkStart := 0
		for c := 0; c < numClasses; c++ {
			cx, cy, rx, ry := ellipseGeometry(rng, size, c, numClasses)

			maskOff := (s*numClasses + c) * planeSize
			uOff := ((s*numClasses+c)*2 + 0) * planeSize
			vOff := ((s*numClasses+c)*2 + 1) * planeSize
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					dx := (float64(x) - cx) / rx
					dy := (float64(y) - cy) / ry
					d2 := dx*dx + dy*dy
					if d2 > 1 {
						continue
					}
					p := y*size + x
					masks[maskOff+p] = 1
					uv[uOff+p] = float32((dx + 1) / 2)
					uv[vOff+p] = float32((dy + 1) / 2)

					intensity := float32(1 - 0.6*d2)
					if intensity > images[imgOff+p] {
						images[imgOff+p] = intensity
					}
				}
			}

			count := cfg.LandmarksPerClass[c]
			for k := 0; k < count; k++ {
				theta := 2 * math.Pi * float64(k) / float64(count)
				global := landmarkStart + k
				landmarks[(s*numLandmarks+global)*2] = float32(cx + landmarkRing*rx*math.Cos(theta))
				landmarks[(s*numLandmarks+global)*2+1] = float32(cy + landmarkRing*ry*math.Sin(theta))
			}
			landmarkStart += count
		}
	}

	// The ring parameterization fixes every landmark's UV value across
	// samples regardless of the per-sample ellipse jitter.
	uvVals := make([]float32, numLandmarks*2)
	global := 0
	for _, count := range cfg.LandmarksPerClass {
		for k := 0; k < count; k++ {
			theta := 2 * math.Pi * float64(k) / float64(count)
			uvVals[global*2] = float32((landmarkRing*math.Cos(theta) + 1) / 2)
			uvVals[global*2+1] = float32((landmarkRing*math.Sin(theta) + 1) / 2)
			global++
		}
	}

	trainCount := int(math.Round(cfg.TrainFraction * float64(cfg.Samples)))
	if trainCount < 1 {
		trainCount = 1
	}
	if trainCount > cfg.Samples {
		trainCount = cfg.Samples
	}
	trainIdx := make([]int, trainCount)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	testIdx := make([]int, cfg.Samples-trainCount)
	for i := range testIdx {
		testIdx[i] = trainCount + i
	}

	meta := Meta{
		Name:              "synthetic",
		ClassLabels:       cfg.ClassLabels,
		LandmarksPerClass: cfg.LandmarksPerClass,
		PixelResolutionMM: cfg.PixelResolutionMM,
		TrainIndices:      trainIdx,
		TestIndices:       testIdx,
	}
	raw := rawArrays{
		images:         images,
		imagesShape:    []int{cfg.Samples, size, size},
		landmarks:      landmarks,
		landmarksShape: []int{cfg.Samples, numLandmarks, 2},
		masks:          masks,
		masksShape:     []int{cfg.Samples, numClasses, size, size},
		uv:             uv,
		uvShape:        []int{cfg.Samples, numClasses, 2, size, size},
		uvVals:         uvVals,
	}
	return build(meta, raw)
}

// ellipseGeometry places the structure's ellipse: centres sit on a ring
// around the image centre, jittered per sample, with radii clamped so the
// ellipse stays inside the frame.
func ellipseGeometry(rng *rand.Rand, size, class, numClasses int) (cx, cy, rx, ry float64) {
	half := float64(size) / 2
	angle := 2 * math.Pi * float64(class) / float64(numClasses)
	jitter := float64(size) / 16

	cx = half + math.Cos(angle)*half/2 + (rng.Float64()*2-1)*jitter
	cy = half + math.Sin(angle)*half/2 + (rng.Float64()*2-1)*jitter
	rx = float64(size) / 8 * (1 + 0.25*(rng.Float64()*2-1))
	ry = float64(size) / 8 * (1 + 0.25*(rng.Float64()*2-1))

	cx = math.Min(math.Max(cx, rx+1), float64(size)-2-rx)
	cy = math.Min(math.Max(cy, ry+1), float64(size)-2-ry)
	return cx, cy, rx, ry
}
