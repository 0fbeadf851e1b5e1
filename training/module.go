package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/densemark/uvtrain/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and dataset shuffling
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	useBias     bool
	training    bool
}

// NewLinear creates a new Linear layer
func NewLinear(inFeatures, outFeatures int, useBias bool, device tensor.DeviceType) (*Linear, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("feature dimensions must be positive: got %d and %d", inFeatures, outFeatures)
	}

	// Xavier/Glorot uniform initialization
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inFeatures+outFeatures))

	weightData := make([]float32, inFeatures*outFeatures)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inFeatures, outFeatures}, tensor.Float32, device, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	layer := &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		useBias:     useBias,
		training:    true,
	}

	if useBias {
		biasTensor, err := tensor.Zeros([]int{outFeatures}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasTensor.SetRequiresGrad(true)
		layer.bias = biasTensor
	}

	return layer, nil
}

// Forward computes the linear transformation
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear layer expects 2D input (batch, features), got shape %v", input.Shape)
	}
	if input.Shape[1] != l.inFeatures {
		return nil, fmt.Errorf("input feature mismatch: expected %d, got %d", l.inFeatures, input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)
	if l.useBias {
		output = tensor.AddAutograd(output, l.bias)
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.useBias {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Train sets the layer to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the layer to evaluation mode
func (l *Linear) Eval() {
	l.training = false
}

// IsTraining returns whether the layer is in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// Conv2D implements a 2D convolution with stride 1 and symmetric zero padding
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	useBias     bool
	training    bool
}

// NewConv2D creates a new convolution layer
func NewConv2D(inChannels, outChannels, kernelSize, padding int, useBias bool, device tensor.DeviceType) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 {
		return nil, fmt.Errorf("channel counts must be positive: got %d and %d", inChannels, outChannels)
	}
	if kernelSize <= 0 {
		return nil, fmt.Errorf("kernel size must be positive: got %d", kernelSize)
	}
	if padding < 0 {
		return nil, fmt.Errorf("padding cannot be negative: got %d", padding)
	}

	// Xavier initialization with fan counts scaled by the kernel area
	fanIn := inChannels * kernelSize * kernelSize
	fanOut := outChannels * kernelSize * kernelSize
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	weightData := make([]float32, outChannels*inChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{outChannels, inChannels, kernelSize, kernelSize}, tensor.Float32, device, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	layer := &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		padding:     padding,
		weight:      weight,
		useBias:     useBias,
		training:    true,
	}

	if useBias {
		biasTensor, err := tensor.Zeros([]int{outChannels}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasTensor.SetRequiresGrad(true)
		layer.bias = biasTensor
	}

	return layer, nil
}

// Forward applies the convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv layer expects 4D input (batch, channels, height, width), got shape %v", input.Shape)
	}
	if input.Shape[1] != c.inChannels {
		return nil, fmt.Errorf("input channel mismatch: expected %d, got %d", c.inChannels, input.Shape[1])
	}

	var bias *tensor.Tensor
	if c.useBias {
		bias = c.bias
	}

	return tensor.Conv2DAutograd(input, c.weight, bias, c.padding), nil
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	if c.useBias {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

// Train sets the layer to training mode
func (c *Conv2D) Train() {
	c.training = true
}

// Eval sets the layer to evaluation mode
func (c *Conv2D) Eval() {
	c.training = false
}

// IsTraining returns whether the layer is in training mode
func (c *Conv2D) IsTraining() bool {
	return c.training
}

// ReLU applies the rectified linear unit activation
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation layer
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward applies ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	return tensor.ReLUAutograd(input), nil
}

// Parameters returns an empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the layer to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the layer to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns whether the layer is in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// MaxPool2x2 halves the spatial resolution with 2x2 max pooling
type MaxPool2x2 struct {
	training bool
}

// NewMaxPool2x2 creates a new pooling layer
func NewMaxPool2x2() *MaxPool2x2 {
	return &MaxPool2x2{training: true}
}

// Forward applies the pooling. Height and width must be even.
func (m *MaxPool2x2) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("pooling expects 4D input (batch, channels, height, width), got shape %v", input.Shape)
	}
	if input.Shape[2]%2 != 0 || input.Shape[3]%2 != 0 {
		return nil, fmt.Errorf("pooling requires even spatial dimensions, got %dx%d", input.Shape[2], input.Shape[3])
	}
	return tensor.MaxPool2x2Autograd(input), nil
}

// Parameters returns an empty slice (pooling has no parameters)
func (m *MaxPool2x2) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the layer to training mode
func (m *MaxPool2x2) Train() {
	m.training = true
}

// Eval sets the layer to evaluation mode
func (m *MaxPool2x2) Eval() {
	m.training = false
}

// IsTraining returns whether the layer is in training mode
func (m *MaxPool2x2) IsTraining() bool {
	return m.training
}

// UpsampleNearest2x doubles the spatial resolution by repeating pixels
type UpsampleNearest2x struct {
	training bool
}

// NewUpsampleNearest2x creates a new upsampling layer
func NewUpsampleNearest2x() *UpsampleNearest2x {
	return &UpsampleNearest2x{training: true}
}

// Forward applies the upsampling
func (u *UpsampleNearest2x) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("upsampling expects 4D input (batch, channels, height, width), got shape %v", input.Shape)
	}
	return tensor.UpsampleNearest2xAutograd(input), nil
}

// Parameters returns an empty slice (upsampling has no parameters)
func (u *UpsampleNearest2x) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the layer to training mode
func (u *UpsampleNearest2x) Train() {
	u.training = true
}

// Eval sets the layer to evaluation mode
func (u *UpsampleNearest2x) Eval() {
	u.training = false
}

// IsTraining returns whether the layer is in training mode
func (u *UpsampleNearest2x) IsTraining() bool {
	return u.training
}

// Sequential chains multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Add appends a module to the container
func (s *Sequential) Add(module Module) *Sequential {
	s.modules = append(s.modules, module)
	return s
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns whether the container is in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}
