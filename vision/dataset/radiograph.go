package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/densemark/uvtrain/tensor"
	"github.com/densemark/uvtrain/training"
)

// File layout of a dataset directory
const (
	imagesFile    = "images.npy"
	landmarksFile = "landmarks.npy"
	masksFile     = "masks.npy"
	uvFile        = "uv.npy"
	uvValsFile    = "uvvals.npy"
	metaFile      = "meta.json"
)

const defaultCacheCapacity = 128

// Meta describes a dataset directory: the annotated structures, the physical
// pixel size and the train/test partition of the samples.
type Meta struct {
	Name              string   `json:"name"`
	ClassLabels       []string `json:"class_labels"`
	LandmarksPerClass []int    `json:"landmarks_per_class"`
	PixelResolutionMM float64  `json:"pixel_resolution_mm"`
	TrainIndices      []int    `json:"train_indices"`
	TestIndices       []int    `json:"test_indices"`
}

// RadiographDataset serves annotated radiographs loaded into memory. It
// implements the training Dataset interface and carries the canonical UV
// value of every landmark.
type RadiographDataset struct {
	name       string
	info       training.DatasetInfo
	images     []float32 // (samples, height, width)
	landmarks  []float32 // (samples, landmarks, 2) as (x, y)
	masks      []float32 // (samples, classes, height, width)
	uv         []float32 // (samples, classes, 2, height, width)
	uvVals     []float32 // (landmarks, 2)
	trainIdx   []int
	testIdx    []int
	numSamples int
	height     int
	width      int
	cache      *sampleCache
}

// Load reads a dataset directory written in the images/landmarks/masks/uv
// NumPy layout with a meta.json descriptor. Canonical landmark UV values are
// read from uvvals.npy when present and derived from the ground-truth UV
// maps otherwise.
func Load(dir string) (*RadiographDataset, error) {
	meta, err := readMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}

	raw := rawArrays{}
	if raw.images, raw.imagesShape, err = readNpy(filepath.Join(dir, imagesFile)); err != nil {
		return nil, err
	}
	if raw.landmarks, raw.landmarksShape, err = readNpy(filepath.Join(dir, landmarksFile)); err != nil {
		return nil, err
	}
	if raw.masks, raw.masksShape, err = readNpy(filepath.Join(dir, masksFile)); err != nil {
		return nil, err
	}
	if raw.uv, raw.uvShape, err = readNpy(filepath.Join(dir, uvFile)); err != nil {
		return nil, err
	}

	uvValsPath := filepath.Join(dir, uvValsFile)
	if _, statErr := os.Stat(uvValsPath); statErr == nil {
		vals, shape, err := readNpy(uvValsPath)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 || shape[1] != 2 {
			return nil, fmt.Errorf("%s must have shape (landmarks, 2), got %v", uvValsFile, shape)
		}
		raw.uvVals = vals
	}

	return build(meta, raw)
}

type rawArrays struct {
	images         []float32
	imagesShape    []int
	landmarks      []float32
	landmarksShape []int
	masks          []float32
	masksShape     []int
	uv             []float32
	uvShape        []int
	uvVals         []float32
}

func readMeta(path string) (Meta, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var meta Meta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return meta, nil
}

// build validates the raw arrays against the metadata and assembles the
// dataset. Shared by the directory loader and the synthetic generator so
// both paths run the same checks.
func build(meta Meta, raw rawArrays) (*RadiographDataset, error) {
	info := training.DatasetInfo{
		NumClasses:        len(meta.ClassLabels),
		ClassLabels:       append([]string(nil), meta.ClassLabels...),
		LandmarksPerClass: append([]int(nil), meta.LandmarksPerClass...),
		PixelResolutionMM: meta.PixelResolutionMM,
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset metadata: %v", err)
	}

	numSamples, height, width, err := imageDims(raw.imagesShape)
	if err != nil {
		return nil, err
	}

	numLandmarks := info.NumLandmarks()
	lmShape := raw.landmarksShape
	if len(lmShape) != 3 || lmShape[0] != numSamples || lmShape[2] != 2 {
		return nil, fmt.Errorf("%s must have shape (%d, landmarks, 2), got %v", landmarksFile, numSamples, lmShape)
	}
	if lmShape[1] != numLandmarks {
		return nil, fmt.Errorf("landmark partition sums to %d but %s holds %d landmarks",
			numLandmarks, landmarksFile, lmShape[1])
	}

	maskShape := raw.masksShape
	if len(maskShape) != 4 || maskShape[0] != numSamples || maskShape[1] != info.NumClasses ||
		maskShape[2] != height || maskShape[3] != width {
		return nil, fmt.Errorf("%s must have shape (%d, %d, %d, %d), got %v",
			masksFile, numSamples, info.NumClasses, height, width, maskShape)
	}

	uvShape := raw.uvShape
	if len(uvShape) != 5 || uvShape[0] != numSamples || uvShape[1] != info.NumClasses ||
		uvShape[2] != 2 || uvShape[3] != height || uvShape[4] != width {
		return nil, fmt.Errorf("%s must have shape (%d, %d, 2, %d, %d), got %v",
			uvFile, numSamples, info.NumClasses, height, width, uvShape)
	}

	// A singleton channel axis folds away without touching the layout
	d := &RadiographDataset{
		name:       meta.Name,
		info:       info,
		images:     raw.images,
		landmarks:  raw.landmarks,
		masks:      raw.masks,
		uv:         raw.uv,
		uvVals:     raw.uvVals,
		numSamples: numSamples,
		height:     height,
		width:      width,
		cache:      newSampleCache(defaultCacheCapacity),
	}

	if err := d.checkComplement(); err != nil {
		return nil, err
	}
	if err := d.assignSplits(meta.TrainIndices, meta.TestIndices); err != nil {
		return nil, err
	}

	if d.uvVals == nil {
		if d.uvVals, err = d.deriveCanonicalUV(); err != nil {
			return nil, err
		}
	} else if len(d.uvVals) != numLandmarks*2 {
		return nil, fmt.Errorf("canonical UV table holds %d values, expected %d", len(d.uvVals), numLandmarks*2)
	}

	return d, nil
}

func imageDims(shape []int) (samples, height, width int, err error) {
	switch len(shape) {
	case 3:
		return shape[0], shape[1], shape[2], nil
	case 4:
		if shape[1] != 1 {
			return 0, 0, 0, fmt.Errorf("%s must be single channel, got %d channels", imagesFile, shape[1])
		}
		return shape[0], shape[2], shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("%s must have shape (samples, height, width) or (samples, 1, height, width), got %v",
			imagesFile, shape)
	}
}

// checkComplement verifies that UV maps are NaN exactly where the masks are
// background: a finite UV value outside a mask or a NaN inside one means the
// files do not belong together.
func (d *RadiographDataset) checkComplement() error {
	planeSize := d.height * d.width
	for s := 0; s < d.numSamples; s++ {
		for c := 0; c < d.info.NumClasses; c++ {
			maskOff := (s*d.info.NumClasses + c) * planeSize
			uOff := ((s*d.info.NumClasses+c)*2 + 0) * planeSize
			vOff := ((s*d.info.NumClasses+c)*2 + 1) * planeSize
			for p := 0; p < planeSize; p++ {
				inside := d.masks[maskOff+p] > 0.5
				uNaN := math.IsNaN(float64(d.uv[uOff+p]))
				vNaN := math.IsNaN(float64(d.uv[vOff+p]))
				if inside && (uNaN || vNaN) {
					return fmt.Errorf("UV map of class %q has NaN inside the mask at sample %d",
						d.info.ClassLabels[c], s)
				}
				if !inside && (!uNaN || !vNaN) {
					return fmt.Errorf("UV map of class %q has finite values outside the mask at sample %d",
						d.info.ClassLabels[c], s)
				}
			}
		}
	}
	return nil
}

func (d *RadiographDataset) assignSplits(trainIdx, testIdx []int) error {
	if len(trainIdx) == 0 && len(testIdx) == 0 {
		d.trainIdx = make([]int, d.numSamples)
		for i := range d.trainIdx {
			d.trainIdx[i] = i
		}
		return nil
	}

	seen := make(map[int]string, len(trainIdx)+len(testIdx))
	check := func(indices []int, split string) error {
		for _, idx := range indices {
			if idx < 0 || idx >= d.numSamples {
				return fmt.Errorf("%s split index %d out of range [0, %d)", split, idx, d.numSamples)
			}
			if prev, dup := seen[idx]; dup {
				if prev == split {
					return fmt.Errorf("%s split lists sample %d twice", split, idx)
				}
				return fmt.Errorf("sample %d appears in both the %s and %s splits", idx, prev, split)
			}
			seen[idx] = split
		}
		return nil
	}

	if err := check(trainIdx, "train"); err != nil {
		return err
	}
	if err := check(testIdx, "test"); err != nil {
		return err
	}

	d.trainIdx = append([]int(nil), trainIdx...)
	d.testIdx = append([]int(nil), testIdx...)
	return nil
}

// deriveCanonicalUV samples the ground-truth UV maps at the landmark pixels.
// Correspondence makes the value of a landmark identical across samples, so
// the first sample where the landmark sits inside its mask supplies it.
func (d *RadiographDataset) deriveCanonicalUV() ([]float32, error) {
	numLandmarks := d.info.NumLandmarks()
	planeSize := d.height * d.width
	vals := make([]float32, numLandmarks*2)

	ranges := d.info.ClassRanges()
	for c, classRange := range ranges {
		for n := classRange[0]; n < classRange[1]; n++ {
			found := false
			for s := 0; s < d.numSamples && !found; s++ {
				x := d.landmarks[(s*numLandmarks+n)*2]
				y := d.landmarks[(s*numLandmarks+n)*2+1]

				uOff := ((s*d.info.NumClasses+c)*2 + 0) * planeSize
				vOff := ((s*d.info.NumClasses+c)*2 + 1) * planeSize
				u, okU := tensor.SampleNearest(d.uv[uOff:uOff+planeSize], d.height, d.width, x, y)
				v, okV := tensor.SampleNearest(d.uv[vOff:vOff+planeSize], d.height, d.width, x, y)
				if !okU || !okV || math.IsNaN(float64(u)) || math.IsNaN(float64(v)) {
					continue
				}

				vals[n*2] = u
				vals[n*2+1] = v
				found = true
			}
			if !found {
				return nil, fmt.Errorf("cannot derive canonical UV value for landmark %d: class %q never covers it",
					n, d.info.ClassLabels[c])
			}
		}
	}

	return vals, nil
}

// Len returns the number of samples in the dataset
func (d *RadiographDataset) Len() int {
	return d.numSamples
}

// Get assembles the sample at the given index. Results are cached, so
// repeated epochs over the dataset reuse the tensors.
func (d *RadiographDataset) Get(idx int) (*training.Sample, error) {
	if idx < 0 || idx >= d.numSamples {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.numSamples)
	}

	if sample, ok := d.cache.get(idx); ok {
		return sample, nil
	}

	planeSize := d.height * d.width
	numLandmarks := d.info.NumLandmarks()

	image, err := sliceTensor(d.images, idx*planeSize, []int{1, d.height, d.width})
	if err != nil {
		return nil, err
	}
	landmarks, err := sliceTensor(d.landmarks, idx*numLandmarks*2, []int{numLandmarks, 2})
	if err != nil {
		return nil, err
	}
	seg, err := sliceTensor(d.masks, idx*d.info.NumClasses*planeSize, []int{d.info.NumClasses, d.height, d.width})
	if err != nil {
		return nil, err
	}
	uv, err := sliceTensor(d.uv, idx*d.info.NumClasses*2*planeSize, []int{d.info.NumClasses, 2, d.height, d.width})
	if err != nil {
		return nil, err
	}

	sample := &training.Sample{Image: image, Landmarks: landmarks, Seg: seg, UV: uv}
	d.cache.put(idx, sample)
	return sample, nil
}

// sliceTensor copies a window of the backing array into a fresh tensor, so
// callers can never corrupt the dataset through a returned sample.
func sliceTensor(backing []float32, offset int, shape []int) (*tensor.Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	data := make([]float32, size)
	copy(data, backing[offset:offset+size])
	return tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
}

// Info returns the dataset description
func (d *RadiographDataset) Info() training.DatasetInfo {
	return training.DatasetInfo{
		NumClasses:        d.info.NumClasses,
		ClassLabels:       append([]string(nil), d.info.ClassLabels...),
		LandmarksPerClass: append([]int(nil), d.info.LandmarksPerClass...),
		PixelResolutionMM: d.info.PixelResolutionMM,
	}
}

// Name returns the dataset name from its metadata
func (d *RadiographDataset) Name() string {
	return d.name
}

// ImageSize returns the height and width of the images
func (d *RadiographDataset) ImageSize() (height, width int) {
	return d.height, d.width
}

// CanonicalUV returns the target UV value of every landmark, one
// (landmarks, 2) tensor per class in class order.
func (d *RadiographDataset) CanonicalUV() ([]*tensor.Tensor, error) {
	perClass := make([]*tensor.Tensor, d.info.NumClasses)
	for c, classRange := range d.info.ClassRanges() {
		count := classRange[1] - classRange[0]
		data := make([]float32, count*2)
		copy(data, d.uvVals[classRange[0]*2:classRange[1]*2])

		t, err := tensor.NewTensor([]int{count, 2}, tensor.Float32, tensor.CPU, data)
		if err != nil {
			return nil, err
		}
		perClass[c] = t
	}
	return perClass, nil
}

// TrainIndices returns the sample indices of the training split
func (d *RadiographDataset) TrainIndices() []int {
	return append([]int(nil), d.trainIdx...)
}

// TestIndices returns the sample indices of the test split
func (d *RadiographDataset) TestIndices() []int {
	return append([]int(nil), d.testIdx...)
}

// TrainSplit returns the training partition as a dataset view.
func (d *RadiographDataset) TrainSplit() (*training.Subset, error) {
	return training.NewSubset(d, d.trainIdx)
}

// TestSplit returns the test partition as a dataset view.
func (d *RadiographDataset) TestSplit() (*training.Subset, error) {
	if len(d.testIdx) == 0 {
		return nil, fmt.Errorf("dataset %q has no test split", d.name)
	}
	return training.NewSubset(d, d.testIdx)
}

// CacheStats reports the sample cache performance
func (d *RadiographDataset) CacheStats() CacheStats {
	return d.cache.snapshot()
}

// SetCacheCapacity resizes the sample cache. Zero disables caching.
func (d *RadiographDataset) SetCacheCapacity(capacity int) {
	d.cache = newSampleCache(capacity)
}

// WriteDirectory stores the dataset in the on-disk NumPy layout that Load
// reads back.
func (d *RadiographDataset) WriteDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	numLandmarks := d.info.NumLandmarks()
	files := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{imagesFile, []int{d.numSamples, 1, d.height, d.width}, d.images},
		{landmarksFile, []int{d.numSamples, numLandmarks, 2}, d.landmarks},
		{masksFile, []int{d.numSamples, d.info.NumClasses, d.height, d.width}, d.masks},
		{uvFile, []int{d.numSamples, d.info.NumClasses, 2, d.height, d.width}, d.uv},
		{uvValsFile, []int{numLandmarks, 2}, d.uvVals},
	}
	for _, file := range files {
		if err := writeNpy(filepath.Join(dir, file.name), file.shape, file.data); err != nil {
			return err
		}
	}

	meta := Meta{
		Name:              d.name,
		ClassLabels:       d.info.ClassLabels,
		LandmarksPerClass: d.info.LandmarksPerClass,
		PixelResolutionMM: d.info.PixelResolutionMM,
		TrainIndices:      d.trainIdx,
		TestIndices:       d.testIdx,
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), payload, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", metaFile, err)
	}
	return nil
}

// String returns a string representation of the dataset
func (d *RadiographDataset) String() string {
	var sb strings.Builder
	name := d.name
	if name == "" {
		name = "radiographs"
	}
	sb.WriteString(fmt.Sprintf("%s: %d samples of %dx%d, %d classes, %d landmarks\n",
		name, d.numSamples, d.height, d.width, d.info.NumClasses, d.info.NumLandmarks()))
	sb.WriteString(fmt.Sprintf("Splits: %d train, %d test\n", len(d.trainIdx), len(d.testIdx)))
	for c, label := range d.info.ClassLabels {
		sb.WriteString(fmt.Sprintf("  %s: %d landmarks\n", label, d.info.LandmarksPerClass[c]))
	}
	return sb.String()
}
