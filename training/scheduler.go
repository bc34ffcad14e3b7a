package training

import "math"

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are stateless: they compute the learning rate for a given epoch
// from the base rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and step
	GetLR(epoch int, step int, baseLR float64) float64
	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler decays the learning rate by Gamma every Period epochs.
type StepLRScheduler struct {
	Period int     // Epochs between decays
	Gamma  float64 // Multiplicative decay factor
}

// NewStepLRScheduler creates a step decay scheduler. Non-positive arguments
// fall back to a period of 50 and a gamma of 0.1.
func NewStepLRScheduler(period int, gamma float64) *StepLRScheduler {
	if period <= 0 {
		period = 50
	}
	if gamma <= 0 {
		gamma = 0.1
	}
	return &StepLRScheduler{Period: period, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	decays := epoch / s.Period
	return baseLR * math.Pow(s.Gamma, float64(decays))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

func NewNoOpScheduler() *NoOpScheduler {
	return &NoOpScheduler{}
}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "NoOp"
}
