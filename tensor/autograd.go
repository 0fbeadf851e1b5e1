package tensor

import (
	"fmt"
)

// reduceGradientToShape reduces a gradient tensor to match the target shape
// This is needed when broadcasting occurred during forward pass
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	// If shapes are already the same, just clone
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	// Handle scalar case (target shape is [1] or similar)
	if len(targetShape) == 1 && targetShape[0] == 1 {
		// Sum all elements to create scalar
		return sumAllElements(grad)
	}

	// General case: sum over broadcast dimensions
	result := grad
	var err error

	// Work backwards through dimensions
	gradDims := len(grad.Shape)
	targetDims := len(targetShape)

	// If target has fewer dimensions, sum over leading dimensions
	dimsToSum := gradDims - targetDims
	for i := 0; i < dimsToSum; i++ {
		result, err = sumOverDimension(result, 0) // Always sum over first dimension
		if err != nil {
			return nil, fmt.Errorf("failed to sum over dimension: %v", err)
		}
	}

	// Now handle remaining dimensions that might have been broadcast from size 1
	for i := 0; i < len(targetShape); i++ {
		resultDim := i
		if resultDim < len(result.Shape) && result.Shape[resultDim] != targetShape[i] {
			if targetShape[i] == 1 && result.Shape[resultDim] > 1 {
				// This dimension was broadcast from size 1, sum it
				result, err = sumOverDimension(result, resultDim)
				if err != nil {
					return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
				}
			}
		}
	}

	// Reshape to exact target shape if needed
	if !shapesEqual(result.Shape, targetShape) {
		result, err = Reshape(result, targetShape)
		if err != nil {
			return nil, fmt.Errorf("failed to reshape gradient: %v", err)
		}
	}

	return result, nil
}

// sumAllElements sums all elements in a tensor into a one-element tensor
func sumAllElements(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		sum := float32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, t.Device, []float32{sum})
	case Int32:
		data := t.Data.([]int32)
		sum := int32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, t.Device, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
}

// sumOverDimension sums a tensor over a specific dimension
func sumOverDimension(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}

	// Calculate output shape (remove the summed dimension)
	outputShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outputShape = append(outputShape, size)
		}
	}

	// Handle case where we're left with no dimensions (create scalar)
	if len(outputShape) == 0 {
		return sumAllElements(t)
	}

	// Create result tensor
	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	// Perform the summation
	switch t.DType {
	case Float32:
		inputData := t.Data.([]float32)
		outputData := result.Data.([]float32)

		inputStrides := calculateStrides(t.Shape)

		for outputIdx := 0; outputIdx < result.NumElems; outputIdx++ {
			outputCoords := indexToCoords(outputIdx, outputShape)

			inputCoords := make([]int, len(t.Shape))
			outputDim := 0
			for inputDim := 0; inputDim < len(t.Shape); inputDim++ {
				if inputDim == dim {
					inputCoords[inputDim] = 0
				} else {
					inputCoords[inputDim] = outputCoords[outputDim]
					outputDim++
				}
			}

			sum := float32(0)
			for k := 0; k < t.Shape[dim]; k++ {
				inputCoords[dim] = k
				inputIdx := coordsToIndex(inputCoords, inputStrides)
				sum += inputData[inputIdx]
			}
			outputData[outputIdx] = sum
		}
	case Int32:
		inputData := t.Data.([]int32)
		outputData := result.Data.([]int32)

		inputStrides := calculateStrides(t.Shape)

		for outputIdx := 0; outputIdx < result.NumElems; outputIdx++ {
			outputCoords := indexToCoords(outputIdx, outputShape)

			inputCoords := make([]int, len(t.Shape))
			outputDim := 0
			for inputDim := 0; inputDim < len(t.Shape); inputDim++ {
				if inputDim == dim {
					inputCoords[inputDim] = 0
				} else {
					inputCoords[inputDim] = outputCoords[outputDim]
					outputDim++
				}
			}

			sum := int32(0)
			for k := 0; k < t.Shape[dim]; k++ {
				inputCoords[dim] = k
				inputIdx := coordsToIndex(inputCoords, inputStrides)
				sum += inputData[inputIdx]
			}
			outputData[outputIdx] = sum
		}
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}

	return result, nil
}

// Helper functions for coordinate conversion
func indexToCoords(index int, shape []int) []int {
	coords := make([]int, len(shape))
	remaining := index
	for i := len(shape) - 1; i >= 0; i-- {
		coords[i] = remaining % shape[i]
		remaining /= shape[i]
	}
	return coords
}

func coordsToIndex(coords []int, strides []int) int {
	index := 0
	for i, coord := range coords {
		index += coord * strides[i]
	}
	return index
}

// Backward runs reverse-mode differentiation from t, seeding with ones, and
// accumulates gradients into the grad field of every reachable leaf tensor
// that requires one.
func (t *Tensor) Backward() error {
	seed, err := Ones(t.Shape, t.DType, t.Device)
	if err != nil {
		return fmt.Errorf("failed to create gradient seed: %v", err)
	}
	return t.BackwardWithGradient(seed)
}

// BackwardWithGradient runs reverse-mode differentiation from t with an
// explicit upstream gradient of the same shape.
func (t *Tensor) BackwardWithGradient(grad *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 root, got %s", t.DType)
	}
	if _, err := checkShapesCompatible(t.Shape, grad.Shape); err != nil {
		return fmt.Errorf("gradient shape mismatch: %v", err)
	}

	// Topological order over the creator graph, inputs before consumers.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				if in != nil {
					visit(in)
				}
			}
		}
		order = append(order, node)
	}
	visit(t)

	// Gradients flowing through the graph, keyed by tensor identity.
	flowing := make(map[*Tensor]*Tensor, len(order))
	flowing[t] = grad

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := flowing[node]
		if g == nil {
			continue
		}

		if node.creator == nil {
			// Leaf: retain the gradient if requested.
			if node.requiresGrad {
				if err := node.accumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		gradInputs := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(gradInputs) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(gradInputs), len(inputs))
		}

		for j, in := range inputs {
			if in == nil || gradInputs[j] == nil {
				continue
			}
			if existing := flowing[in]; existing != nil {
				summed, err := Add(existing, gradInputs[j])
				if err != nil {
					return fmt.Errorf("failed to accumulate flowing gradient: %v", err)
				}
				flowing[in] = summed
			} else {
				flowing[in] = gradInputs[j]
			}
		}
	}

	return nil
}

// accumulateGrad adds g into the tensor's retained gradient, allocating it on
// first use.
func (t *Tensor) accumulateGrad(g *Tensor) error {
	if _, err := checkShapesCompatible(t.Shape, g.Shape); err != nil {
		return fmt.Errorf("gradient shape mismatch for leaf: %v", err)
	}
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return fmt.Errorf("failed to clone gradient: %v", err)
		}
		clone.requiresGrad = false
		clone.creator = nil
		t.grad = clone
		return nil
	}

	gradData := t.grad.Data.([]float32)
	srcData := g.Data.([]float32)
	for i := range gradData {
		gradData[i] += srcData[i]
	}
	return nil
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a, b)

	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	if len(op.inputs) != 2 {
		panic("AddOp inputs not properly stored")
	}

	// For addition: gradient flows unchanged to both inputs
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a, b)

	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	// For subtraction: ∂(a - b)/∂a = 1, ∂(a - b)/∂b = -1
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	negGradOut, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("Failed to clone gradient for negation: %v", err))
	}

	switch negGradOut.DType {
	case Float32:
		data := negGradOut.Data.([]float32)
		for i := range data {
			data[i] = -data[i]
		}
	case Int32:
		data := negGradOut.Data.([]int32)
		for i := range data {
			data[i] = -data[i]
		}
	}

	gradB, err := reduceGradientToShape(negGradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MulOp implements the Operation interface for tensor multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a, b)

	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// For multiplication: ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	bBroadcast, err := BroadcastTensor(b, gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to broadcast b for gradA: %v", err))
	}

	gradAFull, err := Mul(gradOut, bBroadcast)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}

	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	aBroadcast, err := BroadcastTensor(a, gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to broadcast a for gradB: %v", err))
	}

	gradBFull, err := Mul(gradOut, aBroadcast)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}

	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ScaleOp implements the Operation interface for multiplication by a scalar
type ScaleOp struct {
	inputs []*Tensor
	alpha  float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ScaleOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Scale(a, op.alpha)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a)

	return result
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Scale(gradOut, op.alpha)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// MeanAllOp implements the Operation interface for full reduction to a mean
type MeanAllOp struct {
	inputs []*Tensor
}

func (op *MeanAllOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanAllOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanAllOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := MeanAll(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a)

	return result
}

func (op *MeanAllOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	// ∂mean(x)/∂x_i = 1/N
	upstream := gradOut.Data.([]float32)[0]
	grad, err := Full(a.Shape, upstream/float32(a.NumElems), Float32, a.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// SumAllOp implements the Operation interface for full reduction to a sum
type SumAllOp struct {
	inputs []*Tensor
}

func (op *SumAllOp) Inputs() []*Tensor { return op.inputs }

func (op *SumAllOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SumAllOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := SumAll(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a)

	return result
}

func (op *SumAllOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	upstream := gradOut.Data.([]float32)[0]
	grad, err := Full(a.Shape, upstream, Float32, a.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeOp implements the Operation interface for shape changes
type ReshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := a.Reshape(op.newShape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a)

	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	grad, err := Reshape(gradOut, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// ConcatOp implements the Operation interface for concatenation along a
// dimension. The backward pass splits the gradient back into slices.
type ConcatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) < 2 {
		panic("ConcatOp requires at least 2 inputs")
	}

	op.inputs = inputs

	result, err := Concat(inputs, op.dim)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, inputs...)

	return result
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		grad, err := Narrow(gradOut, op.dim, offset, in.Shape[op.dim])
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		grads[i] = grad
		offset += in.Shape[op.dim]
	}
	return grads
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := ReLU(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a)

	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	// For ReLU: ∂ReLU(x)/∂x = 1 if x > 0, else 0
	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("Failed to clone gradient: %v", err))
	}

	switch a.DType {
	case Float32:
		inputData := a.Data.([]float32)
		gradData := grad.Data.([]float32)
		for i := range gradData {
			if inputData[i] <= 0 {
				gradData[i] = 0
			}
		}
	case Int32:
		inputData := a.Data.([]int32)
		gradData := grad.Data.([]int32)
		for i := range gradData {
			if inputData[i] <= 0 {
				gradData[i] = 0
			}
		}
	}

	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for Sigmoid activation
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor // Store output for backward pass
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Sigmoid(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	// Store output for backward pass
	op.output = result

	AttachOp(result, op, a)

	return result
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	if op.output == nil {
		panic("SigmoidOp: output not stored for backward pass")
	}

	// For Sigmoid: ∂σ(x)/∂x = σ(x) * (1 - σ(x))
	ones, err := Ones(op.output.Shape, op.output.DType, op.output.Device)
	if err != nil {
		panic(fmt.Sprintf("Failed to create ones tensor: %v", err))
	}

	oneMinusOutput, err := Sub(ones, op.output)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute (1 - output): %v", err))
	}

	sigmoidGrad, err := Mul(op.output, oneMinusOutput)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute sigmoid gradient: %v", err))
	}

	grad, err := Mul(gradOut, sigmoidGrad)
	if err != nil {
		panic(fmt.Sprintf("Failed to apply chain rule: %v", err))
	}

	return []*Tensor{grad}
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, a, b)

	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// For matrix multiplication: ∂(A @ B)/∂A = gradOut @ B^T, ∂(A @ B)/∂B = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose B: %v", err))
	}

	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose A: %v", err))
	}

	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// High-level autograd functions that create and execute operations

// AddAutograd performs addition with automatic differentiation
func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

// SubAutograd performs subtraction with automatic differentiation
func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

// MulAutograd performs multiplication with automatic differentiation
func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

// ScaleAutograd performs scalar multiplication with automatic differentiation
func ScaleAutograd(a *Tensor, alpha float32) *Tensor {
	op := &ScaleOp{alpha: alpha}
	return op.Forward(a)
}

// MeanAllAutograd reduces to the mean of all elements with automatic differentiation
func MeanAllAutograd(a *Tensor) *Tensor {
	op := &MeanAllOp{}
	return op.Forward(a)
}

// SumAllAutograd reduces to the sum of all elements with automatic differentiation
func SumAllAutograd(a *Tensor) *Tensor {
	op := &SumAllOp{}
	return op.Forward(a)
}

// ReshapeAutograd performs a shape change with automatic differentiation
func ReshapeAutograd(a *Tensor, newShape []int) *Tensor {
	op := &ReshapeOp{newShape: newShape}
	return op.Forward(a)
}

// ConcatAutograd concatenates along dim with automatic differentiation
func ConcatAutograd(dim int, tensors ...*Tensor) *Tensor {
	op := &ConcatOp{dim: dim}
	return op.Forward(tensors...)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation
func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SigmoidAutograd performs Sigmoid activation with automatic differentiation
func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}
