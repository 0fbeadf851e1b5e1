package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
	Bool
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	case Bool:
		return "Bool"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Forward computes the result
// tensor and records it as created by this operation; Backward receives the
// gradient flowing into the result and returns one gradient per input, in
// the same order Inputs reports them. A nil entry means no gradient flows
// to that input.
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       DeviceType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) Creator() Operation {
	return t.creator
}

// gradEnabled gates creator recording. The training loop is single-goroutine
// (the dataloader prefetches on the side but never touches autograd), so a
// plain bool is sufficient.
var gradEnabled = true

// GradEnabled reports whether operations currently record the autograd graph.
func GradEnabled() bool {
	return gradEnabled
}

// SetGradEnabled switches autograd graph recording on or off and returns the
// previous setting so callers can restore it with defer.
func SetGradEnabled(enabled bool) bool {
	prev := gradEnabled
	gradEnabled = enabled
	return prev
}

// AttachOp registers op as the creator of result. The result requires a
// gradient when any input does; the creator is only recorded while gradient
// recording is enabled. Fused operations outside this package use this to
// join the autograd graph.
func AttachOp(result *Tensor, op Operation, inputs ...*Tensor) {
	requires := false
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			requires = true
			break
		}
	}
	result.requiresGrad = requires
	if gradEnabled && requires {
		result.creator = op
	} else {
		result.creator = nil
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func getSizeForDType(dtype DType) int {
	switch dtype {
	case Float32:
		return 4
	case Int32:
		return 4
	case Bool:
		return 1
	default:
		return 4
	}
}
