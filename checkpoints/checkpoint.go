// Package checkpoints persists trainable state: model parameters, optimizer
// state and the epoch index, as a single JSON record.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"

	"griddet/tensor"
)

// WeightTensor is one model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerTensor is one optimizer state buffer (momentum etc.) tied to a
// parameter by name.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// OptimizerState captures optimizer type, hyperparameters and state buffers.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	State      []OptimizerTensor  `json:"state"`
}

// Checkpoint is the on-disk record. Exactly three fields: a model parameter
// snapshot, an optimizer state snapshot and the epoch index.
type Checkpoint struct {
	ModelState     []WeightTensor `json:"model_state"`
	OptimizerState OptimizerState `json:"optimizer_state"`
	Epoch          int            `json:"epoch"`
}

// LoadError reports a checkpoint that could not be read or does not match
// the expected schema.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load checkpoint %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Save writes the checkpoint to path, overwriting any existing file.
func Save(path string, ckpt *Checkpoint) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(ckpt); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// Load reads a checkpoint from path. Any failure, including a record that
// does not carry the three expected fields, is reported as a *LoadError.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("not a valid checkpoint record: %w", err)}
	}
	for _, key := range []string{"model_state", "optimizer_state", "epoch"} {
		if _, ok := raw[key]; !ok {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("missing %q field", key)}
		}
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("schema mismatch: %w", err)}
	}

	return &ckpt, nil
}

// FromParameters snapshots trainable parameters in order. Names are
// positional; ApplyToParameters restores by the same order.
func FromParameters(params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		data, err := param.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}

		snapshot := make([]float32, len(data))
		copy(snapshot, data)
		shape := make([]int, len(param.Shape))
		copy(shape, param.Shape)

		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: shape,
			Data:  snapshot,
		})
	}
	return weights, nil
}

// ApplyToParameters loads a weight snapshot back into parameter tensors,
// matching by position and validating shapes.
func ApplyToParameters(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, param := range params {
		weight := weights[i]
		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v", weight.Name, weight.Shape, param.Shape)
		}
		for j, dim := range param.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v", weight.Name, weight.Shape, param.Shape)
			}
		}

		if err := param.SetData(weight.Data); err != nil {
			return fmt.Errorf("failed to restore %s: %w", weight.Name, err)
		}
	}

	return nil
}
