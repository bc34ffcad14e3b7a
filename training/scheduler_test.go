package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(50, 0.1)
	baseLR := 0.01

	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.01},
		{1, 0.01},
		{49, 0.01},
		{50, 0.001},
		{99, 0.001},
		{100, 0.0001},
		{150, 0.00001},
	}

	for _, tt := range tests {
		got := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("epoch %d: got %g, want %g", tt.epoch, got, tt.want)
		}
	}
}

func TestStepLRSchedulerDefaults(t *testing.T) {
	scheduler := NewStepLRScheduler(0, 0)
	if scheduler.Period != 50 {
		t.Errorf("default period: got %d, want 50", scheduler.Period)
	}
	if scheduler.Gamma != 0.1 {
		t.Errorf("default gamma: got %f, want 0.1", scheduler.Gamma)
	}
}

func TestStepLRSchedulerIgnoresStep(t *testing.T) {
	scheduler := NewStepLRScheduler(10, 0.5)
	if scheduler.GetLR(5, 0, 0.1) != scheduler.GetLR(5, 999, 0.1) {
		t.Error("learning rate should not depend on step within an epoch")
	}
}

func TestNoOpScheduler(t *testing.T) {
	scheduler := NewNoOpScheduler()
	for _, epoch := range []int{0, 10, 1000} {
		if got := scheduler.GetLR(epoch, 0, 0.05); got != 0.05 {
			t.Errorf("epoch %d: got %g, want 0.05", epoch, got)
		}
	}
}
