package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/densemark/uvtrain/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Drops gradients of all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGDConfig holds the hyperparameters for SGD
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
	Nesterov     bool
}

// DefaultSGDConfig returns SGD with momentum 0.9
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	parameters []*tensor.Tensor
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one parameter")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Dampening < 0 || config.WeightDecay < 0 {
		return nil, fmt.Errorf("momentum, dampening and weight decay cannot be negative")
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum factor and zero dampening")
	}
	for i, param := range parameters {
		if param == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if param.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d must be Float32, got %s", i, param.DType)
		}
	}

	sgd := &SGD{
		parameters: parameters,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}

	if config.Momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float32, param.NumElems)
			}
		}
	}

	return sgd, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := sgd.config.LearningRate
	momentum := sgd.config.Momentum
	weightDecay := sgd.config.WeightDecay
	dampening := sgd.config.Dampening

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		paramData := param.Data.([]float32)
		gradData := param.Grad().Data.([]float32)
		if len(gradData) != len(paramData) {
			return fmt.Errorf("parameter %d gradient size %d does not match parameter size %d", i, len(gradData), len(paramData))
		}

		var velocity []float32
		if momentum > 0 {
			velocity = sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, len(paramData))
				sgd.velocities[param] = velocity
			}
		}

		for j := range paramData {
			g := float64(gradData[j])
			if weightDecay > 0 {
				g += weightDecay * float64(paramData[j])
			}
			if momentum > 0 {
				v := momentum*float64(velocity[j]) + (1.0-dampening)*g
				velocity[j] = float32(v)
				if sgd.config.Nesterov {
					g += momentum * v
				} else {
					g = v
				}
			}
			paramData[j] = float32(float64(paramData[j]) - lr*g)
		}
	}

	return nil
}

// ZeroGrad drops the gradients of all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

// AdamConfig holds the hyperparameters for Adam
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the customary Adam settings
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias-corrected moment estimates
type Adam struct {
	parameters []*tensor.Tensor
	config     AdamConfig
	step       int64
	m          map[*tensor.Tensor][]float32 // First moment estimates
	v          map[*tensor.Tensor][]float32 // Second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, config AdamConfig) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one parameter")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative, got %g", config.WeightDecay)
	}
	for i, param := range parameters {
		if param == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if param.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d must be Float32, got %s", i, param.DType)
		}
	}

	adam := &Adam{
		parameters: parameters,
		config:     config,
		m:          make(map[*tensor.Tensor][]float32),
		v:          make(map[*tensor.Tensor][]float32),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}

	return adam, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	lr := adam.config.LearningRate
	beta1 := adam.config.Beta1
	beta2 := adam.config.Beta2
	eps := adam.config.Epsilon
	weightDecay := adam.config.WeightDecay

	// Bias correction factors
	bias1 := 1.0 - math.Pow(beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		paramData := param.Data.([]float32)
		gradData := param.Grad().Data.([]float32)
		if len(gradData) != len(paramData) {
			return fmt.Errorf("parameter %d gradient size %d does not match parameter size %d", i, len(gradData), len(paramData))
		}

		mBuf := adam.m[param]
		vBuf := adam.v[param]
		if mBuf == nil || vBuf == nil {
			mBuf = make([]float32, len(paramData))
			vBuf = make([]float32, len(paramData))
			adam.m[param] = mBuf
			adam.v[param] = vBuf
		}

		for j := range paramData {
			g := float64(gradData[j])
			if weightDecay > 0 {
				g += weightDecay * float64(paramData[j])
			}

			m := beta1*float64(mBuf[j]) + (1.0-beta1)*g
			v := beta2*float64(vBuf[j]) + (1.0-beta2)*g*g
			mBuf[j] = float32(m)
			vBuf[j] = float32(v)

			mHat := m / bias1
			vHat := v / bias2

			paramData[j] = float32(float64(paramData[j]) - lr*mHat/(math.Sqrt(vHat)+eps))
		}
	}

	return nil
}

// ZeroGrad drops the gradients of all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}
