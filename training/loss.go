package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/densemark/uvtrain/tensor"
)

// ElementLoss scores a single predicted value against its target. The UV
// losses are parameterized over it so the same machinery serves L1 and
// squared-error supervision.
type ElementLoss interface {
	Value(predicted, target float32) float32
	Deriv(predicted, target float32) float32
	Name() string
}

// AbsoluteError is the elementwise L1 distance |predicted - target|
type AbsoluteError struct{}

// NewAbsoluteError creates a new L1 element loss
func NewAbsoluteError() *AbsoluteError {
	return &AbsoluteError{}
}

func (AbsoluteError) Value(predicted, target float32) float32 {
	diff := predicted - target
	if diff < 0 {
		return -diff
	}
	return diff
}

func (AbsoluteError) Deriv(predicted, target float32) float32 {
	switch {
	case predicted > target:
		return 1
	case predicted < target:
		return -1
	default:
		return 0
	}
}

func (AbsoluteError) Name() string {
	return "l1"
}

// SquaredError is the elementwise squared distance (predicted - target)^2
type SquaredError struct{}

// NewSquaredError creates a new squared-error element loss
func NewSquaredError() *SquaredError {
	return &SquaredError{}
}

func (SquaredError) Value(predicted, target float32) float32 {
	diff := predicted - target
	return diff * diff
}

func (SquaredError) Deriv(predicted, target float32) float32 {
	return 2 * (predicted - target)
}

func (SquaredError) Name() string {
	return "mse"
}

// ParseElementLoss resolves a configured loss name into an ElementLoss.
func ParseElementLoss(name string) (ElementLoss, error) {
	switch strings.ToLower(name) {
	case "l1", "mae":
		return NewAbsoluteError(), nil
	case "l2", "mse":
		return NewSquaredError(), nil
	default:
		return nil, fmt.Errorf("unknown element loss %q: expected l1 or mse", name)
	}
}

// MSELoss implements mean squared error over whole tensors. The result is
// a one-element tensor wired into the autograd graph.
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new mean squared error loss function
func NewMSELoss(reduction string) (*MSELoss, error) {
	if reduction == "" {
		reduction = "mean"
	}
	if reduction != "mean" && reduction != "sum" {
		return nil, fmt.Errorf("invalid reduction %q: must be mean or sum", reduction)
	}
	return &MSELoss{reduction: reduction}, nil
}

// Forward computes the reduced squared error between predicted and target
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted == nil || target == nil {
		return nil, fmt.Errorf("predicted and target tensors cannot be nil")
	}
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return nil, fmt.Errorf("MSE loss requires Float32 tensors, got %s and %s", predicted.DType, target.DType)
	}
	if len(predicted.Shape) != len(target.Shape) {
		return nil, fmt.Errorf("predicted and target must have same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	for i := range predicted.Shape {
		if predicted.Shape[i] != target.Shape[i] {
			return nil, fmt.Errorf("predicted and target must have same shape: %v vs %v", predicted.Shape, target.Shape)
		}
	}

	op := &mseOp{reduction: mse.reduction}
	return op.Forward(predicted, target), nil
}

// mseOp is the fused forward/backward pair behind MSELoss
type mseOp struct {
	inputs    []*tensor.Tensor
	reduction string
}

func (op *mseOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *mseOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("mseOp requires exactly 2 inputs")
	}

	predicted, target := inputs[0], inputs[1]
	op.inputs = inputs

	predData := predicted.Data.([]float32)
	targetData := target.Data.([]float32)

	sum := 0.0
	for i := range predData {
		diff := float64(predData[i] - targetData[i])
		sum += diff * diff
	}
	if op.reduction == "mean" {
		sum /= float64(predicted.NumElems)
	}

	result, err := tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(sum)})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	tensor.AttachOp(result, op, predicted, target)

	return result
}

func (op *mseOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	predicted, target := op.inputs[0], op.inputs[1]
	upstream := gradOut.Data.([]float32)[0]

	scale := upstream
	if op.reduction == "mean" {
		scale /= float32(predicted.NumElems)
	}

	grad, err := tensor.Zeros(predicted.Shape, tensor.Float32, predicted.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	predData := predicted.Data.([]float32)
	targetData := target.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		gradData[i] = 2 * (predData[i] - targetData[i]) * scale
	}

	return []*tensor.Tensor{grad, nil}
}

// BCEWithLogitsLoss implements binary cross entropy on raw logits using
// the numerically stable formulation. An optional per-class positive
// weight rebalances sparse foreground masks.
type BCEWithLogitsLoss struct {
	posWeight *tensor.Tensor // one weight per class, or nil
	reduction string         // "mean" or "sum"
}

// NewBCEWithLogitsLoss creates a new binary cross entropy loss on logits
func NewBCEWithLogitsLoss(posWeight *tensor.Tensor, reduction string) (*BCEWithLogitsLoss, error) {
	if reduction == "" {
		reduction = "mean"
	}
	if reduction != "mean" && reduction != "sum" {
		return nil, fmt.Errorf("invalid reduction %q: must be mean or sum", reduction)
	}
	if posWeight != nil {
		if posWeight.DType != tensor.Float32 {
			return nil, fmt.Errorf("positive weight must be Float32, got %s", posWeight.DType)
		}
		if len(posWeight.Shape) != 1 {
			return nil, fmt.Errorf("positive weight must be 1D with one entry per class, got shape %v", posWeight.Shape)
		}
	}
	return &BCEWithLogitsLoss{posWeight: posWeight, reduction: reduction}, nil
}

// Forward computes the reduced loss over logits and binary targets of
// shape (batch, classes, height, width)
func (bce *BCEWithLogitsLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if logits == nil || targets == nil {
		return nil, fmt.Errorf("logits and targets cannot be nil")
	}
	if logits.DType != tensor.Float32 || targets.DType != tensor.Float32 {
		return nil, fmt.Errorf("BCE loss requires Float32 tensors, got %s and %s", logits.DType, targets.DType)
	}
	if len(logits.Shape) != 4 {
		return nil, fmt.Errorf("BCE loss expects 4D logits (batch, classes, height, width), got shape %v", logits.Shape)
	}
	if len(targets.Shape) != 4 {
		return nil, fmt.Errorf("BCE loss expects 4D targets, got shape %v", targets.Shape)
	}
	for i := range logits.Shape {
		if logits.Shape[i] != targets.Shape[i] {
			return nil, fmt.Errorf("logits and targets must have same shape: %v vs %v", logits.Shape, targets.Shape)
		}
	}

	var posWeight []float32
	if bce.posWeight != nil {
		if bce.posWeight.NumElems != logits.Shape[1] {
			return nil, fmt.Errorf("positive weight has %d entries for %d classes", bce.posWeight.NumElems, logits.Shape[1])
		}
		posWeight = bce.posWeight.Data.([]float32)
	}

	op := &bceWithLogitsOp{posWeight: posWeight, reduction: bce.reduction}
	return op.Forward(logits, targets), nil
}

// bceWithLogitsOp is the fused forward/backward pair behind BCEWithLogitsLoss
type bceWithLogitsOp struct {
	inputs    []*tensor.Tensor
	posWeight []float32
	reduction string
}

func (op *bceWithLogitsOp) Inputs() []*tensor.Tensor { return op.inputs }

// softplus computes log(1 + exp(z)) without overflowing for large z
func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func (op *bceWithLogitsOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("bceWithLogitsOp requires exactly 2 inputs")
	}

	logits, targets := inputs[0], inputs[1]
	op.inputs = inputs

	logitData := logits.Data.([]float32)
	targetData := targets.Data.([]float32)
	planeSize := logits.Shape[2] * logits.Shape[3]
	numClasses := logits.Shape[1]

	sum := 0.0
	for i := range logitData {
		x := float64(logitData[i])
		t := float64(targetData[i])

		pw := 1.0
		if op.posWeight != nil {
			class := (i / planeSize) % numClasses
			pw = float64(op.posWeight[class])
		}

		// Stable form of -[pw*t*log(sigmoid(x)) + (1-t)*log(1-sigmoid(x))]
		sum += (1-t)*x + (1+(pw-1)*t)*softplus(-x)
	}
	if op.reduction == "mean" {
		sum /= float64(logits.NumElems)
	}

	result, err := tensor.NewTensor([]int{1}, tensor.Float32, logits.Device, []float32{float32(sum)})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	tensor.AttachOp(result, op, logits, targets)

	return result
}

func (op *bceWithLogitsOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	logits, targets := op.inputs[0], op.inputs[1]
	upstream := gradOut.Data.([]float32)[0]

	scale := float64(upstream)
	if op.reduction == "mean" {
		scale /= float64(logits.NumElems)
	}

	grad, err := tensor.Zeros(logits.Shape, tensor.Float32, logits.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	logitData := logits.Data.([]float32)
	targetData := targets.Data.([]float32)
	gradData := grad.Data.([]float32)
	planeSize := logits.Shape[2] * logits.Shape[3]
	numClasses := logits.Shape[1]

	for i := range gradData {
		x := float64(logitData[i])
		t := float64(targetData[i])

		pw := 1.0
		if op.posWeight != nil {
			class := (i / planeSize) % numClasses
			pw = float64(op.posWeight[class])
		}

		s := sigmoid(x)
		gradData[i] = float32(((1-t)*s - pw*t*(1-s)) * scale)
	}

	return []*tensor.Tensor{grad, nil}
}
