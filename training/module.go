package training

import (
	"fmt"
	"math"
	"math/rand"

	"griddet/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
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

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a new Conv2D layer with Xavier/Glorot uniform
// initialization and a zero bias.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	// fan_in = input_channels * k * k, fan_out = output_channels * k * k
	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	weight, err := tensor.Uniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, bound, globalRng, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}

	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// ReLU implements the ReLU activation module
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// MaxPool2D implements a 2D max pooling layer
type MaxPool2D struct {
	kernelSize int
	stride     int
	training   bool
}

func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		training:   true,
	}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}

	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride)
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (m *MaxPool2D) Train()                       { m.training = true }
func (m *MaxPool2D) Eval()                        { m.training = false }
func (m *MaxPool2D) IsTraining() bool             { return m.training }

// BatchNorm2D implements per-channel batch normalization over NCHW input.
// Batch statistics drive normalization in training mode; running statistics
// are kept for eval mode. Gradients flow to gamma and beta.
type BatchNorm2D struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean []float32
	runningVar  []float32
	training    bool
}

// NewBatchNorm2D creates a new batch normalization layer
func NewBatchNorm2D(numFeatures int, eps, momentum float64) (*BatchNorm2D, error) {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	beta.SetRequiresGrad(true)

	runningVar := make([]float32, numFeatures)
	for i := range runningVar {
		runningVar[i] = 1.0
	}

	return &BatchNorm2D{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: make([]float32, numFeatures),
		runningVar:  runningVar,
		training:    true,
	}, nil
}

// Forward performs batch normalization
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm2D only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("input channels mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
	}

	mean := bn.runningMean
	variance := bn.runningVar

	if bn.training {
		mean, variance = bn.batchStatistics(input)

		momentum := float32(bn.momentum)
		for c := 0; c < bn.numFeatures; c++ {
			bn.runningMean[c] = (1.0-momentum)*bn.runningMean[c] + momentum*mean[c]
			bn.runningVar[c] = (1.0-momentum)*bn.runningVar[c] + momentum*variance[c]
		}
	}

	return tensor.BatchNorm2DAutograd(input, bn.gamma, bn.beta, mean, variance, bn.eps)
}

// batchStatistics computes per-channel mean and variance over batch and
// spatial dimensions.
func (bn *BatchNorm2D) batchStatistics(input *tensor.Tensor) ([]float32, []float32) {
	batch, channels := input.Shape[0], input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]
	count := float32(batch * plane)
	data := input.Data.([]float32)

	mean := make([]float32, channels)
	variance := make([]float32, channels)

	for c := 0; c < channels; c++ {
		var sum float32
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * plane
			for p := 0; p < plane; p++ {
				sum += data[base+p]
			}
		}
		mean[c] = sum / count
	}

	for c := 0; c < channels; c++ {
		var sumSq float32
		for b := 0; b < batch; b++ {
			base := (b*channels + c) * plane
			for p := 0; p < plane; p++ {
				diff := data[base+p] - mean[c]
				sumSq += diff * diff
			}
		}
		variance[c] = sumSq / count
	}

	return mean, variance
}

// Parameters returns the trainable parameters
func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm2D) Train()           { bn.training = true }
func (bn *BatchNorm2D) Eval()            { bn.training = false }
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
