package training

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"griddet/checkpoints"
	"griddet/tensor"
)

// stubModel passes input through untouched and exposes one parameter so
// checkpointing has something to snapshot.
type stubModel struct {
	param    *tensor.Tensor
	training bool
}

func newStubModel(t *testing.T) *stubModel {
	t.Helper()
	param, err := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 2})
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	param.SetRequiresGrad(true)
	return &stubModel{param: param, training: true}
}

func (m *stubModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) { return input, nil }
func (m *stubModel) Parameters() []*tensor.Tensor                         { return []*tensor.Tensor{m.param} }
func (m *stubModel) Train()                                               { m.training = true }
func (m *stubModel) Eval()                                                { m.training = false }
func (m *stubModel) IsTraining() bool                                     { return m.training }

// scriptedCriterion returns a fixed sequence of loss values, one per
// Compute call, in order.
type scriptedCriterion struct {
	losses []float64
	calls  int
}

func (c *scriptedCriterion) Compute(predictions *tensor.Tensor, targets []BoxLabels) (*tensor.Tensor, map[string]float64, error) {
	if c.calls >= len(c.losses) {
		return nil, nil, fmt.Errorf("criterion called %d times but only %d losses scripted", c.calls+1, len(c.losses))
	}
	loss := tensor.FromScalar(c.losses[c.calls], tensor.CPU)
	c.calls++
	return loss, map[string]float64{}, nil
}

func newTrainerFixture(t *testing.T, trainSamples, validSamples, batchSize int) (*DataLoader, *DataLoader) {
	t.Helper()
	trainLoader, err := NewDataLoader(newSliceDataset(t, trainSamples), DataLoaderConfig{BatchSize: batchSize})
	if err != nil {
		t.Fatalf("failed to create train loader: %v", err)
	}
	validLoader, err := NewDataLoader(newSliceDataset(t, validSamples), DataLoaderConfig{BatchSize: batchSize})
	if err != nil {
		t.Fatalf("failed to create valid loader: %v", err)
	}
	return trainLoader, validLoader
}

func TestTrainerEpochLossIsMeanOfBatches(t *testing.T) {
	// 4 train samples, batch 2: two train batches. 2 valid samples: one
	// valid batch. Scripted losses land in call order.
	trainLoader, validLoader := newTrainerFixture(t, 4, 2, 2)
	criterion := &scriptedCriterion{losses: []float64{1, 3, 5}}

	model := newStubModel(t)
	optimizer, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	trainer, err := NewTrainer(model, optimizer, criterion, nil, TrainerConfig{Epochs: 1, BaseLR: 0.1})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.Fit(trainLoader, validLoader); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	metrics := trainer.Metrics()
	if len(metrics) != 1 {
		t.Fatalf("got %d epoch records, want 1", len(metrics))
	}
	if math.Abs(metrics[0].TrainLoss-2.0) > 1e-6 {
		t.Errorf("train loss: got %f, want 2.0", metrics[0].TrainLoss)
	}
	if math.Abs(metrics[0].ValidLoss-5.0) > 1e-6 {
		t.Errorf("valid loss: got %f, want 5.0", metrics[0].ValidLoss)
	}
	if metrics[0].BatchCount != 2 {
		t.Errorf("batch count: got %d, want 2", metrics[0].BatchCount)
	}
}

func TestTrainerCheckpointsOnStrictImprovementOnly(t *testing.T) {
	tests := []struct {
		name        string
		validLosses []float64
		wantEpoch   int
	}{
		{"improvement", []float64{5, 3}, 1},
		{"regression", []float64{5, 7}, 0},
		{"tie", []float64{5, 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ckptPath := filepath.Join(t.TempDir(), "best.pt")

			// One train batch and one valid batch per epoch: losses
			// interleave as train, valid, train, valid.
			losses := []float64{
				1, tt.validLosses[0],
				1, tt.validLosses[1],
			}
			trainLoader, validLoader := newTrainerFixture(t, 2, 2, 2)
			criterion := &scriptedCriterion{losses: losses}

			model := newStubModel(t)
			optimizer, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
			if err != nil {
				t.Fatalf("NewSGD failed: %v", err)
			}

			trainer, err := NewTrainer(model, optimizer, criterion, nil, TrainerConfig{
				Epochs:         2,
				BaseLR:         0.1,
				CheckpointPath: ckptPath,
			})
			if err != nil {
				t.Fatalf("NewTrainer failed: %v", err)
			}
			if err := trainer.Fit(trainLoader, validLoader); err != nil {
				t.Fatalf("Fit failed: %v", err)
			}

			ckpt, err := checkpoints.Load(ckptPath)
			if err != nil {
				t.Fatalf("failed to load checkpoint: %v", err)
			}
			if ckpt.Epoch != tt.wantEpoch {
				t.Errorf("checkpoint epoch: got %d, want %d", ckpt.Epoch, tt.wantEpoch)
			}
		})
	}
}

func TestTrainerBestValidLossTracksMinimum(t *testing.T) {
	trainLoader, validLoader := newTrainerFixture(t, 2, 2, 2)
	criterion := &scriptedCriterion{losses: []float64{1, 4, 1, 2, 1, 3}}

	model := newStubModel(t)
	optimizer, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	trainer, err := NewTrainer(model, optimizer, criterion, nil, TrainerConfig{Epochs: 3, BaseLR: 0.1})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	if !math.IsInf(trainer.BestValidLoss(), 1) {
		t.Error("best validation loss should start at +Inf")
	}
	if err := trainer.Fit(trainLoader, validLoader); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(trainer.BestValidLoss()-2.0) > 1e-6 {
		t.Errorf("best validation loss: got %f, want 2.0", trainer.BestValidLoss())
	}
}

func TestTrainerAdvancesSchedulerOncePerEpoch(t *testing.T) {
	trainLoader, validLoader := newTrainerFixture(t, 2, 2, 2)
	criterion := &scriptedCriterion{losses: []float64{1, 1, 1, 1, 1, 1}}

	model := newStubModel(t)
	optimizer, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.01})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	scheduler := NewStepLRScheduler(1, 0.1)

	trainer, err := NewTrainer(model, optimizer, criterion, scheduler, TrainerConfig{Epochs: 3, BaseLR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.Fit(trainLoader, validLoader); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	want := []float64{0.01, 0.001, 0.0001}
	metrics := trainer.Metrics()
	if len(metrics) != len(want) {
		t.Fatalf("got %d epoch records, want %d", len(metrics), len(want))
	}
	for i, m := range metrics {
		if math.Abs(m.LearningRate-want[i]) > 1e-12 {
			t.Errorf("epoch %d learning rate: got %g, want %g", i, m.LearningRate, want[i])
		}
	}
}

func TestTrainerTogglesTrainEvalModes(t *testing.T) {
	trainLoader, validLoader := newTrainerFixture(t, 2, 2, 2)
	criterion := &scriptedCriterion{losses: []float64{1, 1}}

	model := newStubModel(t)
	optimizer, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	trainer, err := NewTrainer(model, optimizer, criterion, nil, TrainerConfig{Epochs: 1, BaseLR: 0.1})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.Fit(trainLoader, validLoader); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Validation runs last within an epoch.
	if model.IsTraining() {
		t.Error("model should be in eval mode after the validation pass")
	}
}

func TestTrainerRejectsMissingPieces(t *testing.T) {
	model := newStubModel(t)
	optimizer, _ := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
	criterion := &scriptedCriterion{}

	if _, err := NewTrainer(nil, optimizer, criterion, nil, TrainerConfig{Epochs: 1}); err == nil {
		t.Error("expected error for nil model, got nil")
	}
	if _, err := NewTrainer(model, nil, criterion, nil, TrainerConfig{Epochs: 1}); err == nil {
		t.Error("expected error for nil optimizer, got nil")
	}
	if _, err := NewTrainer(model, optimizer, nil, nil, TrainerConfig{Epochs: 1}); err == nil {
		t.Error("expected error for nil criterion, got nil")
	}
	if _, err := NewTrainer(model, optimizer, criterion, nil, TrainerConfig{Epochs: 0}); err == nil {
		t.Error("expected error for zero epochs, got nil")
	}
}
