package dataset

import (
	"fmt"
	"os"

	"github.com/pdevine/tensor"
)

// readNpy loads a NumPy .npy file holding a float32 array and returns its
// flat data together with the array shape.
func readNpy(path string) ([]float32, []int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var dense tensor.Dense
	if err := dense.ReadNpy(file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	data, ok := dense.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("%s must hold float32 data, got %T", path, dense.Data())
	}

	shape := append([]int(nil), dense.Shape()...)
	return data, shape, nil
}

// writeNpy stores a float32 array of the given shape as a NumPy .npy file.
func writeNpy(path string, shape []int, data []float32) error {
	expected := 1
	for _, dim := range shape {
		expected *= dim
	}
	if expected != len(data) {
		return fmt.Errorf("shape %v does not match %d data elements", shape, len(data))
	}

	dense := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := dense.WriteNpy(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
