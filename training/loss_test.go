package training

import (
	"math"
	"testing"

	"griddet/tensor"
)

func TestZeroTargetMSEKnownValue(t *testing.T) {
	predictions, err := tensor.NewTensor([]int{4}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}

	criterion := NewZeroTargetMSE()
	loss, metrics, err := criterion.Compute(predictions, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// mean(1, 4, 9, 16) = 7.5
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("loss is not scalar: %v", err)
	}
	if math.Abs(value-7.5) > 1e-5 {
		t.Errorf("loss: got %f, want 7.5", value)
	}

	if metrics == nil {
		t.Error("metrics map should be non-nil")
	}
	if len(metrics) != 0 {
		t.Errorf("metrics map should be empty, got %v", metrics)
	}
}

func TestZeroTargetMSEIgnoresTargets(t *testing.T) {
	predictions, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{3, 4})
	criterion := NewZeroTargetMSE()

	withBoxes := []BoxLabels{
		{{0, 0.5, 0.5, 0.2, 0.2}},
		{{1, 0.1, 0.1, 0.3, 0.3}, {0, 0.9, 0.9, 0.1, 0.1}},
	}

	lossEmpty, _, err := criterion.Compute(predictions, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	lossBoxes, _, err := criterion.Compute(predictions, withBoxes)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	a, _ := lossEmpty.Item()
	b, _ := lossBoxes.Item()
	if a != b {
		t.Errorf("loss should not depend on targets: %f vs %f", a, b)
	}
}

func TestZeroTargetMSEZeroPredictions(t *testing.T) {
	predictions, _ := tensor.Zeros([]int{3, 3}, tensor.Float32, tensor.CPU)
	criterion := NewZeroTargetMSE()

	loss, _, err := criterion.Compute(predictions, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	value, _ := loss.Item()
	if value != 0 {
		t.Errorf("loss for zero predictions: got %f, want 0", value)
	}
}

func TestZeroTargetMSEGradient(t *testing.T) {
	predictions, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{2, -4})
	predictions.SetRequiresGrad(true)

	criterion := NewZeroTargetMSE()
	loss, _, err := criterion.Compute(predictions, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if err := tensor.Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(mean(p^2))/dp_i = 2*p_i/N
	grad := predictions.Grad()
	if grad == nil {
		t.Fatal("expected gradient, got nil")
	}
	want := []float32{2, -4}
	for i, g := range grad.Data.([]float32) {
		if math.Abs(float64(g-want[i])) > 1e-5 {
			t.Errorf("grad[%d]: got %f, want %f", i, g, want[i])
		}
	}
}
