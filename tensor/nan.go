package tensor

import (
	"fmt"
	"math"
)

// NaN32 returns the float32 quiet NaN used to mark invalid UV pixels.
func NaN32() float32 {
	return float32(math.NaN())
}

// IsNaN returns a Bool tensor marking NaN elements.
func IsNaN(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("IsNaN only supports Float32 dtype")
	}

	result, err := Zeros(t.Shape, Bool, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]bool)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = math.IsNaN(float64(data[i]))
	}

	return result, nil
}

// HasNaN reports whether any element is NaN.
func HasNaN(t *Tensor) (bool, error) {
	if t.DType != Float32 {
		return false, fmt.Errorf("HasNaN only supports Float32 dtype")
	}
	data := t.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		if math.IsNaN(float64(data[i])) {
			return true, nil
		}
	}
	return false, nil
}

// AllNaN reports whether every element is NaN.
func AllNaN(t *Tensor) (bool, error) {
	if t.DType != Float32 {
		return false, fmt.Errorf("AllNaN only supports Float32 dtype")
	}
	data := t.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		if !math.IsNaN(float64(data[i])) {
			return false, nil
		}
	}
	return true, nil
}

// Where returns a tensor that keeps t where the mask is true and holds fill
// elsewhere. The mask must be a Bool tensor of the same shape.
func Where(mask, t *Tensor, fill float32) (*Tensor, error) {
	if mask.DType != Bool {
		return nil, fmt.Errorf("Where mask must be Bool, got %s", mask.DType)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Where only supports Float32 dtype")
	}
	if _, err := checkShapesCompatible(mask.Shape, t.Shape); err != nil {
		return nil, err
	}

	result, err := Zeros(t.Shape, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	maskData := mask.Data.([]bool)
	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		if maskData[i] {
			resultData[i] = data[i]
		} else {
			resultData[i] = fill
		}
	}

	return result, nil
}

// GetBoolData returns the underlying []bool of a Bool tensor.
func (t *Tensor) GetBoolData() ([]bool, error) {
	if t.DType != Bool {
		return nil, fmt.Errorf("tensor dtype is %s, not Bool", t.DType)
	}
	return t.Data.([]bool), nil
}

// CountTrue returns the number of true elements in a Bool tensor.
func CountTrue(t *Tensor) (int, error) {
	data, err := t.GetBoolData()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, v := range data {
		if v {
			count++
		}
	}
	return count, nil
}
