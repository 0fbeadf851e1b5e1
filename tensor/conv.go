package tensor

import (
	"fmt"
)

// Conv2D performs a 2D convolution with stride 1 and symmetric zero padding.
// input is (B, Cin, H, W), weight is (Cout, Cin, K, K), bias is (Cout) or nil.
func Conv2D(input, weight, bias *Tensor, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("Conv2D only supports Float32 dtype")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D input must be 4D (B, C, H, W), got %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D weight must be 4D (Cout, Cin, K, K), got %v", weight.Shape)
	}
	if padding < 0 {
		return nil, fmt.Errorf("Conv2D padding must be non-negative, got %d", padding)
	}

	b, cin, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	cout, wcin, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]

	if cin != wcin {
		return nil, fmt.Errorf("Conv2D channel mismatch: input has %d, weight expects %d", cin, wcin)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != cout) {
		return nil, fmt.Errorf("Conv2D bias must be (%d), got %v", cout, bias.Shape)
	}

	oh := h + 2*padding - kh + 1
	ow := w + 2*padding - kw + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Conv2D kernel %dx%d too large for input %dx%d with padding %d", kh, kw, h, w, padding)
	}

	result, err := Zeros([]int{b, cout, oh, ow}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	out := result.Data.([]float32)
	var bs []float32
	if bias != nil {
		bs = bias.Data.([]float32)
	}

	for bi := 0; bi < b; bi++ {
		for co := 0; co < cout; co++ {
			base := float32(0)
			if bs != nil {
				base = bs[co]
			}
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					sum := base
					for ci := 0; ci < cin; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := y + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := x + kx - padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += in[((bi*cin+ci)*h+iy)*w+ix] * wt[((co*cin+ci)*kh+ky)*kw+kx]
							}
						}
					}
					out[((bi*cout+co)*oh+y)*ow+x] = sum
				}
			}
		}
	}

	return result, nil
}

// maxPool2x2 pools with a 2x2 window and stride 2, recording the flat input
// index of each maximum for the backward pass.
func maxPool2x2(input *Tensor) (*Tensor, []int, error) {
	if input.DType != Float32 {
		return nil, nil, fmt.Errorf("MaxPool2x2 only supports Float32 dtype")
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2x2 input must be 4D (B, C, H, W), got %v", input.Shape)
	}

	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if h%2 != 0 || w%2 != 0 {
		return nil, nil, fmt.Errorf("MaxPool2x2 requires even spatial dimensions, got %dx%d", h, w)
	}

	oh, ow := h/2, w/2
	result, err := Zeros([]int{b, c, oh, ow}, Float32, input.Device)
	if err != nil {
		return nil, nil, err
	}

	in := input.Data.([]float32)
	out := result.Data.([]float32)
	argmax := make([]int, result.NumElems)

	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			plane := (bi*c + ci) * h * w
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					bestIdx := plane + (2*y)*w + 2*x
					best := in[bestIdx]
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							idx := plane + (2*y+dy)*w + (2*x + dx)
							if in[idx] > best {
								best = in[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((bi*c+ci)*oh+y)*ow + x
					out[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}

	return result, argmax, nil
}

// MaxPool2x2 pools with a 2x2 window and stride 2.
func MaxPool2x2(input *Tensor) (*Tensor, error) {
	result, _, err := maxPool2x2(input)
	return result, err
}

// UpsampleNearest2x doubles the spatial dimensions by nearest neighbour.
func UpsampleNearest2x(input *Tensor) (*Tensor, error) {
	if input.DType != Float32 {
		return nil, fmt.Errorf("UpsampleNearest2x only supports Float32 dtype")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("UpsampleNearest2x input must be 4D (B, C, H, W), got %v", input.Shape)
	}

	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh, ow := 2*h, 2*w

	result, err := Zeros([]int{b, c, oh, ow}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	out := result.Data.([]float32)

	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					out[((bi*c+ci)*oh+y)*ow+x] = in[((bi*c+ci)*h+y/2)*w+x/2]
				}
			}
		}
	}

	return result, nil
}

// Conv2DOp implements the Operation interface for 2D convolution
type Conv2DOp struct {
	inputs  []*Tensor
	padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv2DOp requires 2 or 3 inputs (input, weight, optional bias)")
	}

	op.inputs = inputs
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	result, err := Conv2D(inputs[0], inputs[1], bias, op.padding)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, inputs...)

	return result
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]

	b, cin, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	cout, _, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]
	p := op.padding

	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	gout := gradOut.Data.([]float32)

	gradInput, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	gradWeight, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	gin := gradInput.Data.([]float32)
	gwt := gradWeight.Data.([]float32)

	for bi := 0; bi < b; bi++ {
		for co := 0; co < cout; co++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					g := gout[((bi*cout+co)*oh+y)*ow+x]
					if g == 0 {
						continue
					}
					for ci := 0; ci < cin; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := y + ky - p
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := x + kx - p
								if ix < 0 || ix >= w {
									continue
								}
								inIdx := ((bi*cin+ci)*h+iy)*w + ix
								wtIdx := ((co*cin+ci)*kh+ky)*kw + kx
								gin[inIdx] += g * wt[wtIdx]
								gwt[wtIdx] += g * in[inIdx]
							}
						}
					}
				}
			}
		}
	}

	grads := []*Tensor{gradInput, gradWeight}

	if len(op.inputs) == 3 {
		gradBias, err := Zeros(op.inputs[2].Shape, Float32, op.inputs[2].Device)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		gbs := gradBias.Data.([]float32)
		for bi := 0; bi < b; bi++ {
			for co := 0; co < cout; co++ {
				for y := 0; y < oh; y++ {
					for x := 0; x < ow; x++ {
						gbs[co] += gout[((bi*cout+co)*oh+y)*ow+x]
					}
				}
			}
		}
		grads = append(grads, gradBias)
	}

	return grads
}

// MaxPool2x2Op implements the Operation interface for 2x2 max pooling
type MaxPool2x2Op struct {
	inputs []*Tensor
	argmax []int
}

func (op *MaxPool2x2Op) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2x2Op) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2x2Op requires exactly 1 input")
	}

	op.inputs = inputs

	result, argmax, err := maxPool2x2(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	op.argmax = argmax

	AttachOp(result, op, inputs[0])

	return result
}

func (op *MaxPool2x2Op) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]

	gradInput, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	gin := gradInput.Data.([]float32)
	gout := gradOut.Data.([]float32)

	// Gradient routes to the position that won the max.
	for i, idx := range op.argmax {
		gin[idx] += gout[i]
	}

	return []*Tensor{gradInput}
}

// Upsample2xOp implements the Operation interface for nearest upsampling
type Upsample2xOp struct {
	inputs []*Tensor
}

func (op *Upsample2xOp) Inputs() []*Tensor { return op.inputs }

func (op *Upsample2xOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("Upsample2xOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := UpsampleNearest2x(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	AttachOp(result, op, inputs[0])

	return result
}

func (op *Upsample2xOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0]

	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh, ow := 2*h, 2*w

	gradInput, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	gin := gradInput.Data.([]float32)
	gout := gradOut.Data.([]float32)

	// Each input pixel fed a 2x2 output cell; sum those gradients.
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					gin[((bi*c+ci)*h+y/2)*w+x/2] += gout[((bi*c+ci)*oh+y)*ow+x]
				}
			}
		}
	}

	return []*Tensor{gradInput}
}

// Conv2DAutograd performs 2D convolution with automatic differentiation
func Conv2DAutograd(input, weight, bias *Tensor, padding int) *Tensor {
	op := &Conv2DOp{padding: padding}
	if bias == nil {
		return op.Forward(input, weight)
	}
	return op.Forward(input, weight, bias)
}

// MaxPool2x2Autograd performs 2x2 max pooling with automatic differentiation
func MaxPool2x2Autograd(input *Tensor) *Tensor {
	op := &MaxPool2x2Op{}
	return op.Forward(input)
}

// UpsampleNearest2xAutograd performs nearest upsampling with automatic differentiation
func UpsampleNearest2xAutograd(input *Tensor) *Tensor {
	op := &Upsample2xOp{}
	return op.Forward(input)
}
