package training

import (
	"fmt"

	"griddet/checkpoints"
	"griddet/tensor"
)

// Optimizer defines the interface for parameter update strategies
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	StateSnapshot() (checkpoints.OptimizerState, error)
	LoadStateSnapshot(state checkpoints.OptimizerState) error
}

// SGDConfig holds SGD hyperparameters
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
}

// SGD implements stochastic gradient descent with optional momentum and
// weight decay.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	velocities   []*tensor.Tensor // Aligned with parameters by index, lazily created
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum must be non-negative, got %f", config.Momentum)
	}

	return &SGD{
		parameters:   parameters,
		learningRate: config.LearningRate,
		momentum:     config.Momentum,
		weightDecay:  config.WeightDecay,
		dampening:    config.Dampening,
		velocities:   make([]*tensor.Tensor, len(parameters)),
	}, nil
}

// Step applies one SGD update to every parameter that has a gradient.
func (s *SGD) Step() error {
	for i, param := range s.parameters {
		grad := param.Grad()
		if grad == nil {
			continue
		}

		paramData, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		gradData, err := grad.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d gradient: %w", i, err)
		}
		if len(gradData) != len(paramData) {
			return fmt.Errorf("parameter %d: gradient size %d does not match parameter size %d",
				i, len(gradData), len(paramData))
		}

		lr := float32(s.learningRate)
		wd := float32(s.weightDecay)

		if s.momentum > 0 {
			if s.velocities[i] == nil {
				vel, err := tensor.Zeros(param.Shape, tensor.Float32, param.Device)
				if err != nil {
					return fmt.Errorf("parameter %d velocity: %w", i, err)
				}
				s.velocities[i] = vel
			}
			velData := s.velocities[i].Data.([]float32)

			mu := float32(s.momentum)
			damp := float32(s.dampening)
			for j := range paramData {
				g := gradData[j] + wd*paramData[j]
				velData[j] = mu*velData[j] + (1.0-damp)*g
				paramData[j] -= lr * velData[j]
			}
		} else {
			for j := range paramData {
				g := gradData[j] + wd*paramData[j]
				paramData[j] -= lr * g
			}
		}
	}

	return nil
}

// ZeroGrad clears gradients of all parameters
func (s *SGD) ZeroGrad() {
	tensor.ZeroGrad(s.parameters)
}

func (s *SGD) GetLR() float64 {
	return s.learningRate
}

func (s *SGD) SetLR(lr float64) {
	s.learningRate = lr
}

// StateSnapshot captures hyperparameters and momentum buffers for
// checkpointing.
func (s *SGD) StateSnapshot() (checkpoints.OptimizerState, error) {
	state := checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": s.learningRate,
			"momentum":      s.momentum,
			"weight_decay":  s.weightDecay,
			"dampening":     s.dampening,
		},
	}

	for i, vel := range s.velocities {
		if vel == nil {
			continue
		}
		data, err := vel.GetFloat32Data()
		if err != nil {
			return checkpoints.OptimizerState{}, fmt.Errorf("velocity %d: %w", i, err)
		}

		snapshot := make([]float32, len(data))
		copy(snapshot, data)
		shape := make([]int, len(vel.Shape))
		copy(shape, vel.Shape)

		state.State = append(state.State, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("param_%d", i),
			Shape:     shape,
			Data:      snapshot,
			StateType: "momentum",
		})
	}

	return state, nil
}

// LoadStateSnapshot restores hyperparameters and momentum buffers from a
// checkpoint snapshot.
func (s *SGD) LoadStateSnapshot(state checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("optimizer type mismatch: checkpoint has %q, expected SGD", state.Type)
	}

	if lr, ok := state.Parameters["learning_rate"]; ok {
		s.learningRate = lr
	}
	if mu, ok := state.Parameters["momentum"]; ok {
		s.momentum = mu
	}
	if wd, ok := state.Parameters["weight_decay"]; ok {
		s.weightDecay = wd
	}
	if damp, ok := state.Parameters["dampening"]; ok {
		s.dampening = damp
	}

	for _, buf := range state.State {
		var idx int
		if _, err := fmt.Sscanf(buf.Name, "param_%d", &idx); err != nil {
			return fmt.Errorf("unrecognized state buffer name %q", buf.Name)
		}
		if idx < 0 || idx >= len(s.parameters) {
			return fmt.Errorf("state buffer %q out of range for %d parameters", buf.Name, len(s.parameters))
		}

		param := s.parameters[idx]
		vel, err := tensor.Zeros(param.Shape, tensor.Float32, param.Device)
		if err != nil {
			return fmt.Errorf("velocity %d: %w", idx, err)
		}
		if err := vel.SetData(buf.Data); err != nil {
			return fmt.Errorf("velocity %d: %w", idx, err)
		}
		s.velocities[idx] = vel
	}

	return nil
}
