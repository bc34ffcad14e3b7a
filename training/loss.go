package training

import (
	"fmt"

	"griddet/tensor"
)

// Criterion computes a scalar loss from model predictions and per-image box
// targets, plus optional named metrics for logging.
type Criterion interface {
	Compute(predictions *tensor.Tensor, targets []BoxLabels) (*tensor.Tensor, map[string]float64, error)
}

// ZeroTargetMSE is a stand-in detection criterion: the mean of the squared
// predictions, equivalent to MSE against an all-zero target of the same
// shape. It never inspects the box targets. Replace with a real matching
// loss once anchor assignment is in place.
type ZeroTargetMSE struct{}

func NewZeroTargetMSE() *ZeroTargetMSE {
	return &ZeroTargetMSE{}
}

// Compute returns mean(predictions^2) as a single-element tensor. The
// targets argument is accepted for interface compatibility and ignored.
func (c *ZeroTargetMSE) Compute(predictions *tensor.Tensor, targets []BoxLabels) (*tensor.Tensor, map[string]float64, error) {
	if predictions == nil {
		return nil, nil, fmt.Errorf("predictions tensor is nil")
	}

	squared, err := tensor.MulAutograd(predictions, predictions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to square predictions: %w", err)
	}

	loss, err := tensor.MeanAutograd(squared)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reduce loss: %w", err)
	}

	return loss, map[string]float64{}, nil
}
