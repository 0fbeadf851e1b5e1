package tensor

import (
	"reflect"
	"testing"
)

func TestMatMul(t *testing.T) {
	t.Run("2x3 times 3x2", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
		b, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{7, 8, 9, 10, 11, 12})

		result, err := MatMul(a, b)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{2, 2}) {
			t.Errorf("Shape = %v, expected [2 2]", result.Shape)
		}

		expected := []float32{58, 64, 139, 154}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("MatMul = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Incompatible dimensions", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
		b, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})

		if _, err := MatMul(a, b); err == nil {
			t.Error("Expected error for incompatible dimensions")
		}
	})
}

func TestTranspose(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	result, err := Transpose(a, 0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}

	if !reflect.DeepEqual(result.Shape, []int{3, 2}) {
		t.Errorf("Shape = %v, expected [3 2]", result.Shape)
	}

	expected := []float32{1, 4, 2, 5, 3, 6}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("Transpose = %v, expected %v", result.Data, expected)
	}
}

func TestReshapeFunction(t *testing.T) {
	t.Run("Compatible shape", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

		result, err := Reshape(a, []int{3, 2})
		if err != nil {
			t.Fatalf("Reshape failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{3, 2}) {
			t.Errorf("Shape = %v, expected [3 2]", result.Shape)
		}
	})

	t.Run("Element count mismatch", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

		if _, err := Reshape(a, []int{4, 2}); err == nil {
			t.Error("Expected error for element count mismatch")
		}
	})
}

func TestFlatten(t *testing.T) {
	a, _ := NewTensor([]int{2, 3, 4}, Float32, CPU, make([]float32, 24))

	result, err := Flatten(a)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	if !reflect.DeepEqual(result.Shape, []int{24}) {
		t.Errorf("Shape = %v, expected [24]", result.Shape)
	}
}

func TestSqueezeUnsqueeze(t *testing.T) {
	a, _ := NewTensor([]int{2, 1, 3}, Float32, CPU, make([]float32, 6))

	squeezed, err := Squeeze(a, 1)
	if err != nil {
		t.Fatalf("Squeeze failed: %v", err)
	}
	if !reflect.DeepEqual(squeezed.Shape, []int{2, 3}) {
		t.Errorf("Squeeze shape = %v, expected [2 3]", squeezed.Shape)
	}

	unsqueezed, err := Unsqueeze(squeezed, 0)
	if err != nil {
		t.Fatalf("Unsqueeze failed: %v", err)
	}
	if !reflect.DeepEqual(unsqueezed.Shape, []int{1, 2, 3}) {
		t.Errorf("Unsqueeze shape = %v, expected [1 2 3]", unsqueezed.Shape)
	}
}

func TestSumAlongDim(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	t.Run("Sum over rows", func(t *testing.T) {
		result, err := Sum(a, 0, false)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}

		expected := []float32{5, 7, 9}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Sum = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Sum over columns with keepDim", func(t *testing.T) {
		result, err := Sum(a, 1, true)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{2, 1}) {
			t.Errorf("Shape = %v, expected [2 1]", result.Shape)
		}

		expected := []float32{6, 15}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Sum = %v, expected %v", result.Data, expected)
		}
	})
}

func TestConcat(t *testing.T) {
	t.Run("Along dim 0", func(t *testing.T) {
		a, _ := NewTensor([]int{1, 3}, Float32, CPU, []float32{1, 2, 3})
		b, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{4, 5, 6, 7, 8, 9})

		result, err := Concat([]*Tensor{a, b}, 0)
		if err != nil {
			t.Fatalf("Concat failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{3, 3}) {
			t.Errorf("Shape = %v, expected [3 3]", result.Shape)
		}

		expected := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Concat = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Along channel dim", func(t *testing.T) {
		// (1, 1, 2, 2) blocks stacked into (1, 2, 2, 2), the skip-connection shape
		a, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{5, 6, 7, 8})

		result, err := Concat([]*Tensor{a, b}, 1)
		if err != nil {
			t.Fatalf("Concat failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{1, 2, 2, 2}) {
			t.Errorf("Shape = %v, expected [1 2 2 2]", result.Shape)
		}

		expected := []float32{1, 2, 3, 4, 5, 6, 7, 8}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Concat = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Shape mismatch outside dim", func(t *testing.T) {
		a, _ := NewTensor([]int{1, 3}, Float32, CPU, []float32{1, 2, 3})
		b, _ := NewTensor([]int{1, 4}, Float32, CPU, []float32{4, 5, 6, 7})

		if _, err := Concat([]*Tensor{a, b}, 0); err == nil {
			t.Error("Expected error for mismatched shapes outside the concat dim")
		}
	})

	t.Run("Too few tensors", func(t *testing.T) {
		a, _ := NewTensor([]int{1, 3}, Float32, CPU, []float32{1, 2, 3})

		if _, err := Concat([]*Tensor{a}, 0); err == nil {
			t.Error("Expected error for fewer than 2 tensors")
		}
	})
}

func TestNarrow(t *testing.T) {
	t.Run("Middle slice", func(t *testing.T) {
		a, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

		result, err := Narrow(a, 0, 1, 2)
		if err != nil {
			t.Fatalf("Narrow failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{2, 2}) {
			t.Errorf("Shape = %v, expected [2 2]", result.Shape)
		}

		expected := []float32{3, 4, 5, 6}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Narrow = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Inner dim slice", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

		result, err := Narrow(a, 1, 0, 2)
		if err != nil {
			t.Fatalf("Narrow failed: %v", err)
		}

		expected := []float32{1, 2, 4, 5}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Narrow = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Out of range", func(t *testing.T) {
		a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})

		if _, err := Narrow(a, 0, 2, 2); err == nil {
			t.Error("Expected error for range past the end")
		}
	})
}

func TestConcatNarrowRoundTrip(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{5, 6, 7, 8, 9, 10})

	joined, err := Concat([]*Tensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	backA, err := Narrow(joined, 1, 0, 2)
	if err != nil {
		t.Fatalf("Narrow failed: %v", err)
	}
	backB, err := Narrow(joined, 1, 2, 3)
	if err != nil {
		t.Fatalf("Narrow failed: %v", err)
	}

	if !reflect.DeepEqual(backA.Data.([]float32), a.Data.([]float32)) {
		t.Errorf("first slice = %v, expected %v", backA.Data, a.Data)
	}
	if !reflect.DeepEqual(backB.Data.([]float32), b.Data.([]float32)) {
		t.Errorf("second slice = %v, expected %v", backB.Data, b.Data)
	}
}
