// Package augment applies random spatial transforms jointly to every
// annotation of a training batch: the image, the segmentation masks, the UV
// correspondence maps and the landmark coordinates all move together.
package augment

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/densemark/uvtrain/tensor"
	"github.com/densemark/uvtrain/training"
)

// Config bounds the sampled affine transforms. All zero means the augmenter
// passes batches through untouched.
type Config struct {
	Degrees   float64 // rotation sampled from [-Degrees, Degrees]
	Translate float64 // translation per axis as a fraction of the image extent
	Scale     float64 // isotropic scale sampled from [1-Scale, 1+Scale]
	Seed      int64
}

// RandomAffine draws one affine transform per sample and warps all of its
// annotations with it: bilinear sampling for image and UV planes, nearest
// neighbour for masks, the forward matrix for landmark coordinates. UV maps
// are refilled with NaN outside the warped masks.
type RandomAffine struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAffine creates an augmenter for the given transform bounds.
func NewRandomAffine(cfg Config) (*RandomAffine, error) {
	if cfg.Degrees < 0 {
		return nil, fmt.Errorf("rotation bound cannot be negative, got %f", cfg.Degrees)
	}
	if cfg.Translate < 0 || cfg.Translate > 1 {
		return nil, fmt.Errorf("translation fraction must be in [0, 1], got %f", cfg.Translate)
	}
	if cfg.Scale < 0 || cfg.Scale >= 1 {
		return nil, fmt.Errorf("scale deviation must be in [0, 1), got %f", cfg.Scale)
	}

	return &RandomAffine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Active reports whether any transform bound is non-zero.
func (a *RandomAffine) Active() bool {
	return a.cfg.Degrees != 0 || a.cfg.Translate != 0 || a.cfg.Scale != 0
}

// affine is a 2D transform out = A*in + b with A = R(theta) * s.
type affine struct {
	a00, a01, a10, a11 float64
	bx, by             float64
}

func (t affine) apply(x, y float64) (float64, float64) {
	return t.a00*x + t.a01*y + t.bx, t.a10*x + t.a11*y + t.by
}

// invert returns the inverse transform. The determinant is s^2, never zero
// for the scales NewRandomAffine admits.
func (t affine) invert() affine {
	det := t.a00*t.a11 - t.a01*t.a10
	inv := affine{
		a00: t.a11 / det,
		a01: -t.a01 / det,
		a10: -t.a10 / det,
		a11: t.a00 / det,
	}
	inv.bx = -(inv.a00*t.bx + inv.a01*t.by)
	inv.by = -(inv.a10*t.bx + inv.a11*t.by)
	return inv
}

// sampleTransform draws rotation, translation and scale about the image
// centre, matching the conventions of the usual affine augmentation layers.
func (a *RandomAffine) sampleTransform(height, width int) affine {
	a.mu.Lock()
	theta := (a.rng.Float64()*2 - 1) * a.cfg.Degrees * math.Pi / 180
	tx := (a.rng.Float64()*2 - 1) * a.cfg.Translate * float64(width)
	ty := (a.rng.Float64()*2 - 1) * a.cfg.Translate * float64(height)
	scale := 1 + (a.rng.Float64()*2-1)*a.cfg.Scale
	a.mu.Unlock()

	sin, cos := math.Sincos(theta)
	t := affine{
		a00: scale * cos, a01: -scale * sin,
		a10: scale * sin, a11: scale * cos,
	}

	// Rotate and scale about the centre, then translate
	cx := float64(width-1) / 2
	cy := float64(height-1) / 2
	rcx, rcy := t.a00*cx+t.a01*cy, t.a10*cx+t.a11*cy
	t.bx = tx + cx - rcx
	t.by = ty + cy - rcy
	return t
}

// Augment warps each sample of the batch with its own transform. The input
// batch is left untouched; a new batch is returned.
func (a *RandomAffine) Augment(batch *training.Batch) (*training.Batch, error) {
	if batch == nil {
		return nil, fmt.Errorf("batch cannot be nil")
	}
	if batch.Images == nil || len(batch.Images.Shape) != 4 {
		return nil, fmt.Errorf("batch images must be 4D (batch, channels, height, width)")
	}
	if batch.Landmarks == nil || len(batch.Landmarks.Shape) != 3 || batch.Landmarks.Shape[2] != 2 {
		return nil, fmt.Errorf("batch landmarks must have shape (batch, landmarks, 2)")
	}

	if !a.Active() {
		return batch, nil
	}

	height := batch.Images.Shape[2]
	width := batch.Images.Shape[3]

	out := &training.Batch{Size: batch.Size}
	var err error
	if out.Images, err = tensor.Zeros(batch.Images.Shape, tensor.Float32, batch.Images.Device); err != nil {
		return nil, err
	}
	if out.Landmarks, err = tensor.Zeros(batch.Landmarks.Shape, tensor.Float32, batch.Landmarks.Device); err != nil {
		return nil, err
	}
	if batch.Seg != nil {
		if out.Seg, err = tensor.Zeros(batch.Seg.Shape, tensor.Float32, batch.Seg.Device); err != nil {
			return nil, err
		}
	}
	if batch.UV != nil {
		if batch.Seg == nil {
			return nil, fmt.Errorf("UV maps cannot be warped without segmentation masks")
		}
		if out.UV, err = tensor.Zeros(batch.UV.Shape, tensor.Float32, batch.UV.Device); err != nil {
			return nil, err
		}
	}

	for s := 0; s < batch.Size; s++ {
		transform := a.sampleTransform(height, width)
		a.warpSample(batch, out, s, transform)
	}

	return out, nil
}

func (a *RandomAffine) warpSample(src, dst *training.Batch, sample int, transform affine) {
	height := src.Images.Shape[2]
	width := src.Images.Shape[3]
	planeSize := height * width
	inverse := transform.invert()

	warpPlanes := func(srcData, dstData []float32, planes int, offset int, nearest bool) {
		for plane := 0; plane < planes; plane++ {
			from := srcData[offset+plane*planeSize : offset+(plane+1)*planeSize]
			to := dstData[offset+plane*planeSize : offset+(plane+1)*planeSize]
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					sx, sy := inverse.apply(float64(x), float64(y))
					var value float32
					if nearest {
						value, _ = tensor.SampleNearest(from, height, width, float32(sx), float32(sy))
					} else {
						value, _ = tensor.SampleBilinear(from, height, width, float32(sx), float32(sy))
					}
					to[y*width+x] = value
				}
			}
		}
	}

	imgChannels := src.Images.Shape[1]
	warpPlanes(src.Images.Data.([]float32), dst.Images.Data.([]float32),
		imgChannels, sample*imgChannels*planeSize, false)

	numClasses := 0
	if src.Seg != nil {
		numClasses = src.Seg.Shape[1]
		warpPlanes(src.Seg.Data.([]float32), dst.Seg.Data.([]float32),
			numClasses, sample*numClasses*planeSize, true)
	}

	if src.UV != nil {
		warpPlanes(src.UV.Data.([]float32), dst.UV.Data.([]float32),
			numClasses*2, sample*numClasses*2*planeSize, false)

		// NaN everywhere the warped mask is background
		segData := dst.Seg.Data.([]float32)
		uvData := dst.UV.Data.([]float32)
		for c := 0; c < numClasses; c++ {
			segOff := (sample*numClasses + c) * planeSize
			uOff := ((sample*numClasses+c)*2 + 0) * planeSize
			vOff := ((sample*numClasses+c)*2 + 1) * planeSize
			for p := 0; p < planeSize; p++ {
				if segData[segOff+p] <= 0.5 {
					uvData[uOff+p] = tensor.NaN32()
					uvData[vOff+p] = tensor.NaN32()
				}
			}
		}
	}

	numLandmarks := src.Landmarks.Shape[1]
	srcLm := src.Landmarks.Data.([]float32)
	dstLm := dst.Landmarks.Data.([]float32)
	for n := 0; n < numLandmarks; n++ {
		idx := (sample*numLandmarks + n) * 2
		x, y := transform.apply(float64(srcLm[idx]), float64(srcLm[idx+1]))
		dstLm[idx] = float32(x)
		dstLm[idx+1] = float32(y)
	}
}
