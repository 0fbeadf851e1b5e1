package augment

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/densemark/uvtrain/tensor"
	"github.com/densemark/uvtrain/training"
)

// testBatch builds one 4x4 sample: a ramp image, two landmarks, a mask
// covering the right half and a UV map that ramps over the masked columns.
func testBatch(t *testing.T) *training.Batch {
	t.Helper()

	imageData := make([]float32, 16)
	for i := range imageData {
		imageData[i] = float32(i)
	}
	image, err := tensor.NewTensor([]int{1, 1, 4, 4}, tensor.Float32, tensor.CPU, imageData)
	require.NoError(t, err)

	landmarks, err := tensor.NewTensor([]int{1, 2, 2}, tensor.Float32, tensor.CPU,
		[]float32{2, 1, 0, 3})
	require.NoError(t, err)

	segData := make([]float32, 16)
	uvData := make([]float32, 32)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			p := y*4 + x
			if x >= 2 {
				segData[p] = 1
				uvData[p] = float32(x)
				uvData[16+p] = float32(y)
			} else {
				uvData[p] = tensor.NaN32()
				uvData[16+p] = tensor.NaN32()
			}
		}
	}
	seg, err := tensor.NewTensor([]int{1, 1, 4, 4}, tensor.Float32, tensor.CPU, segData)
	require.NoError(t, err)
	uv, err := tensor.NewTensor([]int{1, 1, 2, 4, 4}, tensor.Float32, tensor.CPU, uvData)
	require.NoError(t, err)

	return &training.Batch{Images: image, Landmarks: landmarks, Seg: seg, UV: uv, Size: 1}
}

// warpWith runs warpSample with a fixed transform, bypassing the random draw
func warpWith(t *testing.T, src *training.Batch, transform affine) *training.Batch {
	t.Helper()

	dst := &training.Batch{Size: src.Size}
	var err error
	dst.Images, err = tensor.Zeros(src.Images.Shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	dst.Landmarks, err = tensor.Zeros(src.Landmarks.Shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	dst.Seg, err = tensor.Zeros(src.Seg.Shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	dst.UV, err = tensor.Zeros(src.UV.Shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)

	aug, err := NewRandomAffine(Config{Degrees: 1})
	require.NoError(t, err)
	aug.warpSample(src, dst, 0, transform)
	return dst
}

func TestWarpTranslation(t *testing.T) {
	src := testBatch(t)
	// Shift one pixel to the right
	dst := warpWith(t, src, affine{a00: 1, a11: 1, bx: 1, by: 0})

	imageData := dst.Images.Data.([]float32)
	srcImage := src.Images.Data.([]float32)
	for y := 0; y < 4; y++ {
		assert.Equal(t, float32(0), imageData[y*4], "column 0 reads outside the source")
		for x := 1; x < 4; x++ {
			assert.InDelta(t, srcImage[y*4+x-1], imageData[y*4+x], 1e-6)
		}
	}

	landmarkData := dst.Landmarks.Data.([]float32)
	assert.Equal(t, []float32{3, 1, 1, 3}, landmarkData)

	segData := dst.Seg.Data.([]float32)
	for y := 0; y < 4; y++ {
		assert.Equal(t, float32(0), segData[y*4+2], "mask shifts out of column 2")
		assert.Equal(t, float32(1), segData[y*4+3], "mask occupies column 3")
	}

	uvData := dst.UV.Data.([]float32)
	for y := 0; y < 3; y++ {
		assert.InDelta(t, 2.0, uvData[y*4+3], 1e-6, "u channel follows the warp")
		assert.InDelta(t, float64(y), uvData[16+y*4+3], 1e-6, "v channel follows the warp")
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 3; x++ {
			assert.True(t, math.IsNaN(float64(uvData[y*4+x])),
				"UV outside the warped mask must be NaN at (%d, %d)", x, y)
		}
	}
}

func TestWarpRotation(t *testing.T) {
	src := testBatch(t)
	// Quarter turn about the grid centre (1.5, 1.5)
	dst := warpWith(t, src, affine{a00: 0, a01: -1, a10: 1, a11: 0, bx: 3, by: 0})

	landmarkData := dst.Landmarks.Data.([]float32)
	assert.InDelta(t, 2.0, landmarkData[0], 1e-6)
	assert.InDelta(t, 2.0, landmarkData[1], 1e-6)

	// Output (x, y) reads source (y, 3-x)
	imageData := dst.Images.Data.([]float32)
	srcImage := src.Images.Data.([]float32)
	assert.InDelta(t, srcImage[3*4+0], imageData[0], 1e-6)
	assert.InDelta(t, srcImage[0*4+3], imageData[3*4+3], 1e-6)

	// The right-half mask rotates onto the bottom half
	segData := dst.Seg.Data.([]float32)
	for x := 0; x < 4; x++ {
		assert.Equal(t, float32(0), segData[0*4+x])
		assert.Equal(t, float32(1), segData[3*4+x])
	}
}

func TestAugmentPassThroughWhenInactive(t *testing.T) {
	aug, err := NewRandomAffine(Config{})
	require.NoError(t, err)
	assert.False(t, aug.Active())

	batch := testBatch(t)
	out, err := aug.Augment(batch)
	require.NoError(t, err)
	assert.Same(t, batch, out, "inactive augmenter should not copy the batch")
}

func TestAugmentIsDeterministicPerSeed(t *testing.T) {
	cfg := Config{Degrees: 20, Translate: 0.1, Scale: 0.1, Seed: 3}

	first, err := NewRandomAffine(cfg)
	require.NoError(t, err)
	second, err := NewRandomAffine(cfg)
	require.NoError(t, err)

	outA, err := first.Augment(testBatch(t))
	require.NoError(t, err)
	outB, err := second.Augment(testBatch(t))
	require.NoError(t, err)

	assert.Equal(t, outA.Images.Data.([]float32), outB.Images.Data.([]float32))
	assert.Equal(t, outA.Landmarks.Data.([]float32), outB.Landmarks.Data.([]float32))
	assert.Equal(t, outA.Seg.Data.([]float32), outB.Seg.Data.([]float32))
}

func TestAugmentPreservesShapesAndMasksUV(t *testing.T) {
	aug, err := NewRandomAffine(Config{Degrees: 15, Translate: 0.1, Scale: 0.1, Seed: 11})
	require.NoError(t, err)

	src := testBatch(t)
	out, err := aug.Augment(src)
	require.NoError(t, err)
	require.NotSame(t, src, out)

	assert.Equal(t, src.Images.Shape, out.Images.Shape)
	assert.Equal(t, src.Landmarks.Shape, out.Landmarks.Shape)
	assert.Equal(t, src.Seg.Shape, out.Seg.Shape)
	assert.Equal(t, src.UV.Shape, out.UV.Shape)
	assert.Equal(t, src.Size, out.Size)

	// Every background pixel of the warped mask must hide the UV map
	segData := out.Seg.Data.([]float32)
	uvData := out.UV.Data.([]float32)
	for p := 0; p < 16; p++ {
		if segData[p] <= 0.5 {
			assert.True(t, math.IsNaN(float64(uvData[p])), "u at pixel %d", p)
			assert.True(t, math.IsNaN(float64(uvData[16+p])), "v at pixel %d", p)
		}
	}

	// The source batch is untouched
	assert.Equal(t, float32(5), src.Images.Data.([]float32)[5])
}

func TestSampledTransformsRespectBounds(t *testing.T) {
	aug, err := NewRandomAffine(Config{Degrees: 30, Translate: 0.1, Scale: 0.2, Seed: 7})
	require.NoError(t, err)

	maxTheta := 30 * math.Pi / 180
	for i := 0; i < 50; i++ {
		transform := aug.sampleTransform(8, 8)

		scale := math.Hypot(transform.a00, transform.a10)
		assert.InDelta(t, 1.0, scale, 0.2+1e-9)

		theta := math.Atan2(transform.a10, transform.a00)
		assert.LessOrEqual(t, math.Abs(theta), maxTheta+1e-9)

		// The centre moves by the translation alone
		cx, cy := 3.5, 3.5
		x, y := transform.apply(cx, cy)
		assert.LessOrEqual(t, math.Abs(x-cx), 0.1*8+1e-9)
		assert.LessOrEqual(t, math.Abs(y-cy), 0.1*8+1e-9)
	}
}

func TestAugmentWithoutUV(t *testing.T) {
	aug, err := NewRandomAffine(Config{Translate: 0.2, Seed: 1})
	require.NoError(t, err)

	batch := testBatch(t)
	batch.UV = nil
	out, err := aug.Augment(batch)
	require.NoError(t, err)
	assert.Nil(t, out.UV)
	assert.NotNil(t, out.Seg)

	batch = testBatch(t)
	batch.Seg = nil
	batch.UV = nil
	out, err = aug.Augment(batch)
	require.NoError(t, err)
	assert.Nil(t, out.Seg)
}

func TestAugmentValidation(t *testing.T) {
	t.Run("config bounds", func(t *testing.T) {
		cases := []Config{
			{Degrees: -1},
			{Translate: 1.5},
			{Translate: -0.1},
			{Scale: 1.0},
			{Scale: -0.1},
		}
		for _, cfg := range cases {
			_, err := NewRandomAffine(cfg)
			assert.Error(t, err, "config %+v", cfg)
		}
	})

	t.Run("batch shape", func(t *testing.T) {
		aug, err := NewRandomAffine(Config{Degrees: 10})
		require.NoError(t, err)

		_, err = aug.Augment(nil)
		assert.Error(t, err)

		bad := testBatch(t)
		bad.Images, err = tensor.Zeros([]int{1, 4, 4}, tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		_, err = aug.Augment(bad)
		assert.Error(t, err)

		bad = testBatch(t)
		bad.Landmarks, err = tensor.Zeros([]int{1, 2, 3}, tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		_, err = aug.Augment(bad)
		assert.Error(t, err)

		bad = testBatch(t)
		bad.Seg = nil
		_, err = aug.Augment(bad)
		assert.Error(t, err, "UV without segmentation cannot be re-masked")
	})
}
