package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestConv2D(t *testing.T) {
	t.Run("Identity kernel", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 3, 3}, Float32, CPU, []float32{
			1, 2, 3,
			4, 5, 6,
			7, 8, 9,
		})
		weight, _ := NewTensor([]int{1, 1, 1, 1}, Float32, CPU, []float32{1})

		result, err := Conv2D(input, weight, nil, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{1, 1, 3, 3}) {
			t.Errorf("Shape = %v, expected [1 1 3 3]", result.Shape)
		}
		if !reflect.DeepEqual(result.Data.([]float32), input.Data.([]float32)) {
			t.Errorf("1x1 identity kernel should reproduce the input")
		}
	})

	t.Run("3x3 kernel with padding 1 keeps shape", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, CPU, make([]float32, 16))
		weight, _ := NewTensor([]int{1, 1, 3, 3}, Float32, CPU, make([]float32, 9))

		result, err := Conv2D(input, weight, nil, 1)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{1, 1, 4, 4}) {
			t.Errorf("Shape = %v, expected [1 1 4 4]", result.Shape)
		}
	})

	t.Run("Sum kernel", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		weight, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 1, 1, 1})

		result, err := Conv2D(input, weight, nil, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{1, 1, 1, 1}) {
			t.Fatalf("Shape = %v, expected [1 1 1 1]", result.Shape)
		}
		if got := result.Data.([]float32)[0]; got != 10 {
			t.Errorf("conv sum = %f, expected 10", got)
		}
	})

	t.Run("Bias is added per output channel", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{0, 0, 0, 0})
		weight, _ := NewTensor([]int{2, 1, 1, 1}, Float32, CPU, []float32{1, 1})
		bias, _ := NewTensor([]int{2}, Float32, CPU, []float32{0.5, -0.5})

		result, err := Conv2D(input, weight, bias, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}

		expected := []float32{0.5, 0.5, 0.5, 0.5, -0.5, -0.5, -0.5, -0.5}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("Conv2D = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Channel mismatch", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 2, 2, 2}, Float32, CPU, make([]float32, 8))
		weight, _ := NewTensor([]int{1, 3, 1, 1}, Float32, CPU, make([]float32, 3))

		if _, err := Conv2D(input, weight, nil, 0); err == nil {
			t.Error("Expected error for channel mismatch")
		}
	})
}

func TestConv2DAutogradBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	input.SetRequiresGrad(true)
	weight, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{0.5, 0.5, 0.5, 0.5})
	weight.SetRequiresGrad(true)
	bias, _ := NewTensor([]int{1}, Float32, CPU, []float32{1})
	bias.SetRequiresGrad(true)

	out := Conv2DAutograd(input, weight, bias, 0)
	if got := out.Data.([]float32)[0]; math.Abs(float64(got)-6) > 1e-6 {
		t.Fatalf("forward = %f, expected 6", got)
	}

	if err := out.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d out / d input = weight, d out / d weight = input, d out / d bias = 1
	if !reflect.DeepEqual(input.Grad().Data.([]float32), []float32{0.5, 0.5, 0.5, 0.5}) {
		t.Errorf("grad input = %v, expected weight values", input.Grad().Data)
	}
	if !reflect.DeepEqual(weight.Grad().Data.([]float32), []float32{1, 2, 3, 4}) {
		t.Errorf("grad weight = %v, expected input values", weight.Grad().Data)
	}
	if !reflect.DeepEqual(bias.Grad().Data.([]float32), []float32{1}) {
		t.Errorf("grad bias = %v, expected [1]", bias.Grad().Data)
	}
}

func TestConv2DBackwardMatchesFiniteDifferences(t *testing.T) {
	input, _ := NewTensor([]int{1, 2, 3, 3}, Float32, CPU, []float32{
		0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8, 0.9,
		-0.1, 0.2, -0.3, -0.4, 0.5, -0.6, -0.7, 0.8, -0.9,
	})
	weight, _ := NewTensor([]int{1, 2, 3, 3}, Float32, CPU, []float32{
		0.2, 0.1, -0.1, 0.3, -0.2, 0.1, 0.0, 0.2, -0.3,
		-0.2, 0.3, 0.1, -0.1, 0.2, -0.3, 0.1, 0.0, 0.2,
	})
	weight.SetRequiresGrad(true)

	forward := func() float64 {
		prev := SetGradEnabled(false)
		defer SetGradEnabled(prev)
		out := Conv2DAutograd(input, weight, nil, 1)
		loss := MeanAllAutograd(out)
		v, _ := loss.ItemFloat()
		return v
	}

	loss := MeanAllAutograd(Conv2DAutograd(input, weight, nil, 1))
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := weight.Grad().Data.([]float32)
	for i := range grad {
		numeric := numericalGradient(t, forward, weight, i, 1e-2)
		if math.Abs(float64(grad[i])-numeric) > 1e-3 {
			t.Errorf("grad[%d] = %f, finite difference = %f", i, grad[i], numeric)
		}
	}
}

func TestMaxPool2x2(t *testing.T) {
	t.Run("Forward", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, CPU, []float32{
			1, 2, 5, 6,
			3, 4, 7, 8,
			9, 10, 13, 14,
			11, 12, 15, 16,
		})

		result, err := MaxPool2x2(input)
		if err != nil {
			t.Fatalf("MaxPool2x2 failed: %v", err)
		}

		if !reflect.DeepEqual(result.Shape, []int{1, 1, 2, 2}) {
			t.Fatalf("Shape = %v, expected [1 1 2 2]", result.Shape)
		}

		expected := []float32{4, 8, 12, 16}
		if !reflect.DeepEqual(result.Data.([]float32), expected) {
			t.Errorf("MaxPool2x2 = %v, expected %v", result.Data, expected)
		}
	})

	t.Run("Odd dimensions rejected", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 3, 4}, Float32, CPU, make([]float32, 12))

		if _, err := MaxPool2x2(input); err == nil {
			t.Error("Expected error for odd spatial dimension")
		}
	})
}

func TestMaxPool2x2AutogradBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 5, 2, 3})
	input.SetRequiresGrad(true)

	out := MaxPool2x2Autograd(input)
	if got := out.Data.([]float32)[0]; got != 5 {
		t.Fatalf("forward = %f, expected 5", got)
	}

	if err := out.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Gradient flows only to the max position.
	expected := []float32{0, 1, 0, 0}
	if !reflect.DeepEqual(input.Grad().Data.([]float32), expected) {
		t.Errorf("grad = %v, expected %v", input.Grad().Data, expected)
	}
}

func TestUpsampleNearest2x(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4})

	result, err := UpsampleNearest2x(input)
	if err != nil {
		t.Fatalf("UpsampleNearest2x failed: %v", err)
	}

	if !reflect.DeepEqual(result.Shape, []int{1, 1, 4, 4}) {
		t.Fatalf("Shape = %v, expected [1 1 4 4]", result.Shape)
	}

	expected := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("UpsampleNearest2x = %v, expected %v", result.Data, expected)
	}
}

func TestUpsampleNearest2xAutogradBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 1, 2}, Float32, CPU, []float32{1, 2})
	input.SetRequiresGrad(true)

	out := UpsampleNearest2xAutograd(input)

	grad, _ := NewTensor([]int{1, 1, 2, 4}, Float32, CPU, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})
	if err := out.BackwardWithGradient(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Each input cell collects its 2x2 output block.
	expected := []float32{14, 22}
	if !reflect.DeepEqual(input.Grad().Data.([]float32), expected) {
		t.Errorf("grad = %v, expected %v", input.Grad().Data, expected)
	}
}

func TestPoolUpsampleRoundTripShapes(t *testing.T) {
	input, _ := NewTensor([]int{2, 3, 8, 8}, Float32, CPU, make([]float32, 2*3*8*8))

	pooled, err := MaxPool2x2(input)
	if err != nil {
		t.Fatalf("MaxPool2x2 failed: %v", err)
	}
	restored, err := UpsampleNearest2x(pooled)
	if err != nil {
		t.Fatalf("UpsampleNearest2x failed: %v", err)
	}

	if !reflect.DeepEqual(restored.Shape, input.Shape) {
		t.Errorf("round trip shape = %v, expected %v", restored.Shape, input.Shape)
	}
}
