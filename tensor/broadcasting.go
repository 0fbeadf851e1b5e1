package tensor

import (
	"fmt"
)

// BroadcastShapes resolves two shapes under NumPy-style broadcasting rules:
// trailing dimensions must match or be 1, and missing leading dimensions
// count as 1.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)

	for i := 0; i < maxDims; i++ {
		dim1 := 1
		dim2 := 1
		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		resultIdx := maxDims - 1 - i
		switch {
		case dim1 == dim2:
			resultShape[resultIdx] = dim1
		case dim1 == 1:
			resultShape[resultIdx] = dim2
		case dim2 == 1:
			resultShape[resultIdx] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// BroadcastTensor expands t to targetShape, repeating size-1 dimensions.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for broadcasting: %s", t.DType)
	}

	resolved, err := BroadcastShapes(t.Shape, targetShape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v: %v", t.Shape, targetShape, err)
	}
	if !shapesEqual(resolved, targetShape) {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v", t.Shape, targetShape)
	}

	result, err := Zeros(targetShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	// Source strides aligned to the target dimensions: missing leading
	// dimensions and size-1 dimensions contribute stride 0.
	numDims := len(targetShape)
	offset := numDims - len(t.Shape)
	srcStrides := make([]int, numDims)
	for i := numDims - 1; i >= 0; i-- {
		srcDim := i - offset
		if srcDim >= 0 && t.Shape[srcDim] > 1 {
			srcStrides[i] = t.Strides[srcDim]
		}
	}

	srcData := t.Data.([]float32)
	dstData := result.Data.([]float32)

	coords := make([]int, numDims)
	for dstIdx := 0; dstIdx < result.NumElems; dstIdx++ {
		remaining := dstIdx
		for i := numDims - 1; i >= 0; i-- {
			coords[i] = remaining % targetShape[i]
			remaining /= targetShape[i]
		}

		srcIdx := 0
		for i := 0; i < numDims; i++ {
			srcIdx += coords[i] * srcStrides[i]
		}
		dstData[dstIdx] = srcData[srcIdx]
	}

	return result, nil
}

// broadcastPair expands both tensors to their common broadcast shape.
// Only Float32 tensors can be broadcast; other dtypes keep strict shapes.
func broadcastPair(t1, t2 *Tensor) (*Tensor, *Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, nil, fmt.Errorf("broadcasting requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}

	targetShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, nil, err
	}

	b1 := t1
	if !shapesEqual(t1.Shape, targetShape) {
		b1, err = BroadcastTensor(t1, targetShape)
		if err != nil {
			return nil, nil, err
		}
	}

	b2 := t2
	if !shapesEqual(t2.Shape, targetShape) {
		b2, err = BroadcastTensor(t2, targetShape)
		if err != nil {
			return nil, nil, err
		}
	}

	return b1, b2, nil
}

// shapesEqual checks if two shapes are identical
func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
