package training

import (
	"fmt"
	"math"
	"time"

	"griddet/checkpoints"
	"griddet/tensor"
)

// TrainerConfig holds the training loop configuration
type TrainerConfig struct {
	Epochs         int
	PrintEvery     int    // Print batch progress every N batches (0 disables)
	CheckpointPath string // Where the best checkpoint is written
	BaseLR         float64
}

// EpochMetrics records what happened during one epoch
type EpochMetrics struct {
	Epoch        int
	TrainLoss    float64
	ValidLoss    float64
	LearningRate float64
	Duration     time.Duration
	BatchCount   int
}

// Trainer drives the fit loop: train, validate, schedule, checkpoint.
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Criterion
	scheduler LRScheduler
	config    TrainerConfig

	metrics   []EpochMetrics
	bestValid float64
}

// NewTrainer wires a model, optimizer, criterion and scheduler together.
func NewTrainer(model Module, optimizer Optimizer, criterion Criterion, scheduler LRScheduler, config TrainerConfig) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer is nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion is nil")
	}
	if scheduler == nil {
		scheduler = NewNoOpScheduler()
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}

	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		scheduler: scheduler,
		config:    config,
		bestValid: math.Inf(1),
	}, nil
}

// Fit runs the full training loop. Each epoch trains over trainLoader,
// validates over validLoader without gradients, advances the scheduler and
// writes a checkpoint whenever validation loss strictly improves.
func (t *Trainer) Fit(trainLoader, validLoader *DataLoader) error {
	if trainLoader == nil {
		return fmt.Errorf("train loader is nil")
	}
	if validLoader == nil {
		return fmt.Errorf("validation loader is nil")
	}

	fmt.Printf("Starting training for %d epochs (%s scheduler, base lr %.6f)\n",
		t.config.Epochs, t.scheduler.GetName(), t.config.BaseLR)

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()
		lrUsed := t.optimizer.GetLR()

		t.model.Train()
		trainLoss, batchCount, err := t.trainEpoch(epoch, trainLoader)
		if err != nil {
			return fmt.Errorf("epoch %d training failed: %w", epoch, err)
		}

		t.model.Eval()
		validLoss, err := t.validateEpoch(validLoader)
		if err != nil {
			return fmt.Errorf("epoch %d validation failed: %w", epoch, err)
		}

		// One scheduler step per epoch, after validation
		t.optimizer.SetLR(t.scheduler.GetLR(epoch+1, 0, t.config.BaseLR))

		metrics := EpochMetrics{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValidLoss:    validLoss,
			LearningRate: lrUsed,
			Duration:     time.Since(start),
			BatchCount:   batchCount,
		}
		t.metrics = append(t.metrics, metrics)
		t.printEpochSummary(metrics)

		if validLoss < t.bestValid {
			t.bestValid = validLoss
			if t.config.CheckpointPath != "" {
				if err := t.saveCheckpoint(epoch); err != nil {
					return fmt.Errorf("epoch %d checkpoint failed: %w", epoch, err)
				}
				fmt.Printf("  Saved checkpoint to %s (validation loss %.6f)\n", t.config.CheckpointPath, validLoss)
			}
		}
	}

	return nil
}

// trainEpoch runs one pass over the training set and returns the mean batch
// loss.
func (t *Trainer) trainEpoch(epoch int, loader *DataLoader) (float64, int, error) {
	var totalLoss float64
	batchCount := 0
	numBatches := loader.Len()

	for result := range loader.Iterator() {
		if result.Err != nil {
			return 0, batchCount, result.Err
		}
		batch := result.Batch

		t.optimizer.ZeroGrad()

		predictions, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, batchCount, fmt.Errorf("forward pass failed: %w", err)
		}

		loss, _, err := t.criterion.Compute(predictions, batch.Boxes)
		if err != nil {
			return 0, batchCount, fmt.Errorf("loss computation failed: %w", err)
		}

		lossValue, err := loss.Item()
		if err != nil {
			return 0, batchCount, fmt.Errorf("loss is not scalar: %w", err)
		}

		if err := tensor.Backward(loss); err != nil {
			return 0, batchCount, fmt.Errorf("backward pass failed: %w", err)
		}

		if err := t.optimizer.Step(); err != nil {
			return 0, batchCount, fmt.Errorf("optimizer step failed: %w", err)
		}

		totalLoss += lossValue
		batchCount++

		if t.config.PrintEvery > 0 && batchCount%t.config.PrintEvery == 0 {
			fmt.Printf("  Epoch %d [%d/%d] loss: %.6f\n", epoch, batchCount, numBatches, lossValue)
		}
	}

	if batchCount == 0 {
		return 0, 0, fmt.Errorf("training loader produced no batches")
	}

	return totalLoss / float64(batchCount), batchCount, nil
}

// validateEpoch computes the mean batch loss over the validation set with
// gradient recording disabled.
func (t *Trainer) validateEpoch(loader *DataLoader) (float64, error) {
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	var totalLoss float64
	batchCount := 0

	for result := range loader.Iterator() {
		if result.Err != nil {
			return 0, result.Err
		}
		batch := result.Batch

		predictions, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %w", err)
		}

		loss, _, err := t.criterion.Compute(predictions, batch.Boxes)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %w", err)
		}

		lossValue, err := loss.Item()
		if err != nil {
			return 0, fmt.Errorf("loss is not scalar: %w", err)
		}

		totalLoss += lossValue
		batchCount++
	}

	if batchCount == 0 {
		return 0, fmt.Errorf("validation loader produced no batches")
	}

	return totalLoss / float64(batchCount), nil
}

// saveCheckpoint snapshots model parameters and optimizer state.
func (t *Trainer) saveCheckpoint(epoch int) error {
	weights, err := checkpoints.FromParameters(t.model.Parameters())
	if err != nil {
		return err
	}

	optState, err := t.optimizer.StateSnapshot()
	if err != nil {
		return err
	}

	return checkpoints.Save(t.config.CheckpointPath, &checkpoints.Checkpoint{
		ModelState:     weights,
		OptimizerState: optState,
		Epoch:          epoch,
	})
}

func (t *Trainer) printEpochSummary(m EpochMetrics) {
	fmt.Printf("Epoch %d/%d - %.1fs - train loss: %.6f - val loss: %.6f - lr: %.6f\n",
		m.Epoch+1, t.config.Epochs, m.Duration.Seconds(), m.TrainLoss, m.ValidLoss, m.LearningRate)
}

// Metrics returns the per-epoch history recorded so far.
func (t *Trainer) Metrics() []EpochMetrics {
	return t.metrics
}

// BestValidLoss returns the best validation loss seen, or +Inf if no epoch
// has completed.
func (t *Trainer) BestValidLoss() float64 {
	return t.bestValid
}
