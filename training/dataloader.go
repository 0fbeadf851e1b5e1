package training

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/densemark/uvtrain/tensor"
)

// Sample is a single annotated radiograph: the image, its landmark
// coordinates, the per-class segmentation masks and the dense UV
// correspondence map (NaN outside the masks).
type Sample struct {
	Image     *tensor.Tensor // (1, height, width)
	Landmarks *tensor.Tensor // (landmarks, 2) as (x, y) pixel coordinates
	Seg       *tensor.Tensor // (classes, height, width) binary masks
	UV        *tensor.Tensor // (classes, 2, height, width), nil for heatmap-only training
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// Batch holds stacked sample fields with a leading batch dimension
type Batch struct {
	Images    *tensor.Tensor // (batch, 1, height, width)
	Landmarks *tensor.Tensor // (batch, landmarks, 2)
	Seg       *tensor.Tensor // (batch, classes, height, width)
	UV        *tensor.Tensor // (batch, classes, 2, height, width)
	Size      int
}

// DataLoader provides batching, shuffling and concurrent sample loading
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		indices:    indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples in the underlying dataset
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Reset rewinds the loader for a new epoch, reshuffling if configured
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := globalRng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil once the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()

	if dl.position >= len(dl.indices) {
		dl.mutex.Unlock()
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := make([]int, batchEnd-dl.position)
	copy(batchIndices, dl.indices[dl.position:batchEnd])
	dl.position = batchEnd
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// loadBatch fetches the samples concurrently and stacks them
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))

	var group errgroup.Group
	group.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		group.Go(func() error {
			sample, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
			if sample == nil {
				return fmt.Errorf("dataset returned nil sample for index %d", idx)
			}
			samples[i] = sample
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return StackSamples(samples)
}

// StackSamples combines samples into a batch with a leading batch
// dimension. All samples must share field shapes.
func StackSamples(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack an empty sample list")
	}

	images := make([]*tensor.Tensor, len(samples))
	landmarks := make([]*tensor.Tensor, len(samples))
	segs := make([]*tensor.Tensor, len(samples))
	uvs := make([]*tensor.Tensor, len(samples))
	for i, sample := range samples {
		images[i] = sample.Image
		landmarks[i] = sample.Landmarks
		segs[i] = sample.Seg
		uvs[i] = sample.UV
	}

	stackedImages, err := stackField(images, "image")
	if err != nil {
		return nil, err
	}
	stackedLandmarks, err := stackField(landmarks, "landmarks")
	if err != nil {
		return nil, err
	}
	stackedSegs, err := stackField(segs, "segmentation")
	if err != nil {
		return nil, err
	}
	stackedUVs, err := stackOptionalField(uvs, "uv map")
	if err != nil {
		return nil, err
	}

	return &Batch{
		Images:    stackedImages,
		Landmarks: stackedLandmarks,
		Seg:       stackedSegs,
		UV:        stackedUVs,
		Size:      len(samples),
	}, nil
}

// stackOptionalField stacks a field that samples may omit entirely, such as
// the UV map in heatmap-only training. Either every sample carries it or
// none do.
func stackOptionalField(tensors []*tensor.Tensor, name string) (*tensor.Tensor, error) {
	present := 0
	for _, t := range tensors {
		if t != nil {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present != len(tensors) {
		return nil, fmt.Errorf("sample %s must be set on every sample or on none, got %d of %d",
			name, present, len(tensors))
	}
	return stackField(tensors, name)
}

// stackField stacks equally shaped Float32 tensors along a new leading axis
func stackField(tensors []*tensor.Tensor, name string) (*tensor.Tensor, error) {
	first := tensors[0]
	if first == nil {
		return nil, fmt.Errorf("sample %s cannot be nil", name)
	}
	if first.DType != tensor.Float32 {
		return nil, fmt.Errorf("sample %s must be Float32, got %s", name, first.DType)
	}

	batchShape := append([]int{len(tensors)}, first.Shape...)
	result, err := tensor.Zeros(batchShape, tensor.Float32, first.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s batch tensor: %v", name, err)
	}

	resultData := result.Data.([]float32)
	sampleSize := first.NumElems

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("sample %s cannot be nil", name)
		}
		if t.NumElems != sampleSize || len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("sample %s shape mismatch: %v vs %v", name, t.Shape, first.Shape)
		}
		for d := range t.Shape {
			if t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("sample %s shape mismatch: %v vs %v", name, t.Shape, first.Shape)
			}
		}
		copy(resultData[i*sampleSize:(i+1)*sampleSize], t.Data.([]float32))
	}

	return result, nil
}

// SliceDataset serves samples from an in-memory slice. It backs tests and
// small synthetic runs.
type SliceDataset struct {
	samples []*Sample
}

// NewSliceDataset creates a new SliceDataset
func NewSliceDataset(samples []*Sample) (*SliceDataset, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset needs at least one sample")
	}
	return &SliceDataset{samples: samples}, nil
}

// Len returns the number of samples in the dataset
func (ds *SliceDataset) Len() int {
	return len(ds.samples)
}

// Get returns the sample at the given index
func (ds *SliceDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}
