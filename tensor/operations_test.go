package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestAdd(t *testing.T) {
	t.Run("Float32", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{5, 6, 7, 8})

		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		expected := []float32{6, 8, 10, 12}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Add = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})

		if _, err := Add(a, b); err == nil {
			t.Error("Expected error for mismatched shapes")
		}
	})

	t.Run("Broadcast row vector", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
		b, _ := NewTensor([]int{3}, Float32, CPU, []float32{10, 20, 30})

		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		expected := []float32{11, 22, 33, 14, 25, 36}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Expected %v, got %v", expected, result.Data.([]float32))
		}
	})

	t.Run("Broadcast one element", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{1}, Float32, CPU, []float32{10})

		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		expected := []float32{11, 12, 13, 14}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Expected %v, got %v", expected, result.Data.([]float32))
		}
	})

	t.Run("DType mismatch", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
		b, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 2})

		if _, err := Add(a, b); err == nil {
			t.Error("Expected error for mismatched dtypes")
		}
	})
}

func TestSub(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{5, 7, 9})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})

	result, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}

	expected := []float32{4, 5, 6}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("Sub = %v, expected %v", result.Data, expected)
	}
}

func TestMul(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{2, 3, 4})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{5, 6, 7})

	result, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}

	expected := []float32{10, 18, 28}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("Mul = %v, expected %v", result.Data, expected)
	}
}

func TestDiv(t *testing.T) {
	t.Run("Basic division", func(t *testing.T) {
		a, _ := NewTensor([]int{3}, Float32, CPU, []float32{10, 18, 28})
		b, _ := NewTensor([]int{3}, Float32, CPU, []float32{5, 6, 7})

		result, err := Div(a, b)
		if err != nil {
			t.Fatalf("Div failed: %v", err)
		}

		expected := []float32{2, 3, 4}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Div = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Division by zero", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
		b, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 0})

		if _, err := Div(a, b); err == nil {
			t.Error("Expected error for division by zero")
		}
	})
}

func TestScale(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, -2, 3, -4})

	result, err := Scale(a, 0.5)
	if err != nil {
		t.Fatalf("Scale failed: %v", err)
	}

	expected := []float32{0.5, -1, 1.5, -2}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("Scale = %v, expected %v", result.Data, expected)
	}
}

func TestAddScalar(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})

	result, err := AddScalar(a, 10)
	if err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}

	expected := []float32{11, 12, 13}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("AddScalar = %v, expected %v", result.Data, expected)
	}
}

func TestReLU(t *testing.T) {
	a, _ := NewTensor([]int{5}, Float32, CPU, []float32{-2, -0.5, 0, 0.5, 2})

	result, err := ReLU(a)
	if err != nil {
		t.Fatalf("ReLU failed: %v", err)
	}

	expected := []float32{0, 0, 0, 0.5, 2}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("ReLU = %v, expected %v", result.Data, expected)
	}
}

func TestSigmoid(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{0, 2, -2})

	result, err := Sigmoid(a)
	if err != nil {
		t.Fatalf("Sigmoid failed: %v", err)
	}

	data := result.Data.([]float32)
	expected := []float64{0.5, 0.880797, 0.119203}
	for i, want := range expected {
		if math.Abs(float64(data[i])-want) > 1e-5 {
			t.Errorf("Sigmoid[%d] = %f, expected %f", i, data[i], want)
		}
	}
}

func TestTanh(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{0, 1, -1})

	result, err := Tanh(a)
	if err != nil {
		t.Fatalf("Tanh failed: %v", err)
	}

	data := result.Data.([]float32)
	expected := []float64{0, 0.761594, -0.761594}
	for i, want := range expected {
		if math.Abs(float64(data[i])-want) > 1e-5 {
			t.Errorf("Tanh[%d] = %f, expected %f", i, data[i], want)
		}
	}
}

func TestExp(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{0, 1, 2})

	result, err := Exp(a)
	if err != nil {
		t.Fatalf("Exp failed: %v", err)
	}

	data := result.Data.([]float32)
	expected := []float64{1, math.E, math.E * math.E}
	for i, want := range expected {
		if math.Abs(float64(data[i])-want) > 1e-4 {
			t.Errorf("Exp[%d] = %f, expected %f", i, data[i], want)
		}
	}
}

func TestLog(t *testing.T) {
	t.Run("Positive values", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, float32(math.E)})

		result, err := Log(a)
		if err != nil {
			t.Fatalf("Log failed: %v", err)
		}

		data := result.Data.([]float32)
		if math.Abs(float64(data[0])) > 1e-6 || math.Abs(float64(data[1])-1) > 1e-6 {
			t.Errorf("Log = %v, expected [0 1]", data)
		}
	})

	t.Run("Non-positive value", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 0})
		if _, err := Log(a); err == nil {
			t.Error("Expected error for log of zero")
		}
	})
}

func TestSumAll(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	result, err := SumAll(a)
	if err != nil {
		t.Fatalf("SumAll failed: %v", err)
	}

	if !reflect.DeepEqual(result.Shape, []int{1}) {
		t.Errorf("Shape = %v, expected [1]", result.Shape)
	}

	value, _ := result.ItemFloat()
	if math.Abs(value-21) > 1e-6 {
		t.Errorf("SumAll = %f, expected 21", value)
	}
}

func TestMeanAll(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{2, 4, 6, 8})

	result, err := MeanAll(a)
	if err != nil {
		t.Fatalf("MeanAll failed: %v", err)
	}

	value, _ := result.ItemFloat()
	if math.Abs(value-5) > 1e-6 {
		t.Errorf("MeanAll = %f, expected 5", value)
	}
}

func TestGreaterScalar(t *testing.T) {
	t.Run("Basic threshold", func(t *testing.T) {
		a, _ := NewTensor([]int{4}, Float32, CPU, []float32{0.2, 0.5, 0.7, 0.5001})

		result, err := GreaterScalar(a, 0.5)
		if err != nil {
			t.Fatalf("GreaterScalar failed: %v", err)
		}

		if result.DType != Bool {
			t.Fatalf("DType = %s, expected Bool", result.DType)
		}

		expected := []bool{false, false, true, true}
		if !reflect.DeepEqual(result.Data.([]bool), expected) {
			t.Errorf("GreaterScalar = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("NaN compares false", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{NaN32(), 1})

		result, err := GreaterScalar(a, 0)
		if err != nil {
			t.Fatalf("GreaterScalar failed: %v", err)
		}

		data := result.Data.([]bool)
		if data[0] {
			t.Error("NaN should not compare greater than the threshold")
		}
		if !data[1] {
			t.Error("1 should compare greater than 0")
		}
	})
}
