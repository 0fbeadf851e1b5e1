package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/densemark/uvtrain/tensor"
)

// fixedParamModel carries a fixed parameter list for counting tests
type fixedParamModel struct {
	params []*tensor.Tensor
}

func (m *fixedParamModel) Parameters() []*tensor.Tensor { return m.params }
func (m *fixedParamModel) Train()                       {}
func (m *fixedParamModel) Eval()                        {}
func (m *fixedParamModel) IsTraining() bool             { return false }

func TestProgressBar(t *testing.T) {
	t.Run("Renders percentage, counters and metrics", func(t *testing.T) {
		var buf bytes.Buffer
		pb := NewProgressBar("Epoch 1 (train)", 10)
		pb.SetOutput(&buf)

		pb.Update(5, map[string]float64{"loss": 1.2345})

		out := buf.String()
		if !strings.Contains(out, "Epoch 1 (train)") {
			t.Error("Expected description in output")
		}
		if !strings.Contains(out, "50%") {
			t.Errorf("Expected 50%% in output: %q", out)
		}
		if !strings.Contains(out, "5/10") {
			t.Errorf("Expected counter 5/10 in output: %q", out)
		}
		if !strings.Contains(out, "loss=1.2345") {
			t.Errorf("Expected metric in output: %q", out)
		}
	})

	t.Run("Metrics merge across updates in sorted order", func(t *testing.T) {
		var buf bytes.Buffer
		pb := NewProgressBar("Epoch 1 (train)", 4)
		pb.SetOutput(&buf)

		pb.Update(1, map[string]float64{"loss": 2.0})
		buf.Reset()
		pb.Update(2, map[string]float64{"dice": 0.5})

		out := buf.String()
		diceAt := strings.Index(out, "dice=0.5000")
		lossAt := strings.Index(out, "loss=2.0000")
		if diceAt < 0 || lossAt < 0 {
			t.Fatalf("Expected both metrics in output: %q", out)
		}
		if diceAt > lossAt {
			t.Error("Expected metrics in alphabetical order")
		}
	})

	t.Run("Finish completes the bar with a newline", func(t *testing.T) {
		var buf bytes.Buffer
		pb := NewProgressBar("Epoch 1 (val)", 3)
		pb.SetOutput(&buf)

		pb.Update(1, nil)
		pb.Finish()

		out := buf.String()
		if !strings.Contains(out, "3/3") {
			t.Errorf("Expected full counter after Finish: %q", out)
		}
		if !strings.Contains(out, "100%") {
			t.Errorf("Expected 100%% after Finish: %q", out)
		}
		if !strings.HasSuffix(out, "\n") {
			t.Error("Expected trailing newline after Finish")
		}
	})

	t.Run("Zero total does not divide by zero", func(t *testing.T) {
		var buf bytes.Buffer
		pb := NewProgressBar("Empty", 0)
		pb.SetOutput(&buf)

		pb.Update(0, nil)
		pb.Finish()

		if !strings.Contains(buf.String(), "0/0") {
			t.Errorf("Expected 0/0 counter: %q", buf.String())
		}
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "00:00"},
		{5 * time.Second, "00:05"},
		{65 * time.Second, "01:05"},
		{125 * time.Second, "02:05"},
		{time.Hour, "60:00"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v): expected %q, got %q", tt.d, tt.expected, got)
		}
	}
}

func TestCountParameters(t *testing.T) {
	a, err := tensor.Zeros([]int{2, 3}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	b, err := tensor.Zeros([]int{4}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	model := &fixedParamModel{params: []*tensor.Tensor{a, b, nil}}

	if count := CountParameters(model); count != 10 {
		t.Errorf("Expected 10 parameters, got %d", count)
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0K"},
		{1500, "1.5K"},
		{999999, "1000.0K"},
		{2500000, "2.5M"},
	}

	for _, tt := range tests {
		if got := FormatParameterCount(tt.count); got != tt.expected {
			t.Errorf("FormatParameterCount(%d): expected %q, got %q", tt.count, tt.expected, got)
		}
	}
}
