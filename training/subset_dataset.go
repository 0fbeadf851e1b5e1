package training

import (
	"fmt"
)

// Subset exposes a selection of an underlying dataset's samples. It backs
// train/validation/test partitions without duplicating the data.
type Subset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubset creates a view onto the given indices of an existing dataset.
func NewSubset(original Dataset, indices []int) (*Subset, error) {
	if original == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= original.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, original.Len())
		}
	}
	owned := make([]int, len(indices))
	copy(owned, indices)
	return &Subset{
		originalDataset: original,
		indices:         owned,
	}, nil
}

// NewHeadSubset limits a dataset to its first 'limit' samples. Handy for
// quick runs on a fraction of the data.
func NewHeadSubset(original Dataset, limit int) (*Subset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	indices := make([]int, limit)
	for i := range indices {
		indices[i] = i
	}
	return NewSubset(original, indices)
}

// Len returns the number of samples in the subset
func (sd *Subset) Len() int {
	return len(sd.indices)
}

// Get returns a sample at the given subset position
func (sd *Subset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}
