package tensor

import (
	"math"
	"testing"
)

func TestSampleBilinear(t *testing.T) {
	// 2x2 plane:
	//   1 2
	//   3 4
	plane := []float32{1, 2, 3, 4}

	tests := []struct {
		name     string
		x, y     float32
		expected float64
		inside   bool
	}{
		{"Top left corner", 0, 0, 1, true},
		{"Bottom right corner", 1, 1, 4, true},
		{"Horizontal midpoint", 0.5, 0, 1.5, true},
		{"Vertical midpoint", 0, 0.5, 2, true},
		{"Centre", 0.5, 0.5, 2.5, true},
		{"Outside right", 2, 0, 0, false},
		{"Outside top", 0, -1.5, 0, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value, inside := SampleBilinear(plane, 2, 2, test.x, test.y)
			if math.Abs(float64(value)-test.expected) > 1e-6 {
				t.Errorf("value = %f, expected %f", value, test.expected)
			}
			if inside != test.inside {
				t.Errorf("inside = %v, expected %v", inside, test.inside)
			}
		})
	}
}

func TestSampleBilinearEdgeBlending(t *testing.T) {
	// Just outside the border blends with zero padding.
	plane := []float32{4}
	value, inside := SampleBilinear(plane, 1, 1, 0.5, 0)
	if inside {
		t.Error("x=0.5 on a 1x1 plane should be outside")
	}
	if math.Abs(float64(value)-2) > 1e-6 {
		t.Errorf("value = %f, expected 2 (half blend with zero padding)", value)
	}
}

func TestSampleNearest(t *testing.T) {
	plane := []float32{1, 2, 3, 4}

	tests := []struct {
		name     string
		x, y     float32
		expected float32
		inside   bool
	}{
		{"Exact pixel", 1, 0, 2, true},
		{"Rounds to nearest", 0.4, 0.4, 1, true},
		{"Rounds up", 0.6, 0.6, 4, true},
		{"Outside", -1, 0, 0, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value, inside := SampleNearest(plane, 2, 2, test.x, test.y)
			if value != test.expected {
				t.Errorf("value = %f, expected %f", value, test.expected)
			}
			if inside != test.inside {
				t.Errorf("inside = %v, expected %v", inside, test.inside)
			}
		})
	}
}
