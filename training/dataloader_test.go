package training

import (
	"fmt"
	"testing"

	"griddet/tensor"
)

// sliceDataset serves fixed in-memory samples for loader tests.
type sliceDataset struct {
	images []*tensor.Tensor
	boxes  []BoxLabels
	errAt  int // Index that fails, -1 for none
}

func (d *sliceDataset) Len() int { return len(d.images) }

func (d *sliceDataset) Get(index int) (*tensor.Tensor, BoxLabels, error) {
	if index == d.errAt {
		return nil, nil, fmt.Errorf("sample %d is corrupt", index)
	}
	return d.images[index], d.boxes[index], nil
}

func newSliceDataset(t *testing.T, n int) *sliceDataset {
	t.Helper()
	ds := &sliceDataset{errAt: -1}
	for i := 0; i < n; i++ {
		img, err := tensor.NewTensor([]int{1, 2, 2}, tensor.Float32, tensor.CPU,
			[]float32{float32(i), float32(i), float32(i), float32(i)})
		if err != nil {
			t.Fatalf("failed to create sample: %v", err)
		}
		ds.images = append(ds.images, img)

		var boxes BoxLabels
		for j := 0; j < i; j++ {
			boxes = append(boxes, [5]float32{float32(j), 0.5, 0.5, 0.1, 0.1})
		}
		ds.boxes = append(ds.boxes, boxes)
	}
	return ds
}

func TestDataLoaderBatchCount(t *testing.T) {
	tests := []struct {
		samples   int
		batchSize int
		want      int
	}{
		{4, 2, 2},
		{5, 2, 3},
		{1, 16, 1},
		{10, 10, 1},
	}

	for _, tt := range tests {
		ds := newSliceDataset(t, tt.samples)
		dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: tt.batchSize})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		if got := dl.Len(); got != tt.want {
			t.Errorf("%d samples, batch %d: got %d batches, want %d", tt.samples, tt.batchSize, got, tt.want)
		}
	}
}

func TestDataLoaderSequentialOrder(t *testing.T) {
	ds := newSliceDataset(t, 4)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 2, Shuffle: false})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	var seen []float32
	for result := range dl.Iterator() {
		if result.Err != nil {
			t.Fatalf("iteration failed: %v", result.Err)
		}
		batch := result.Batch

		wantShape := []int{2, 1, 2, 2}
		for i, dim := range wantShape {
			if batch.Images.Shape[i] != dim {
				t.Fatalf("batch shape: got %v, want %v", batch.Images.Shape, wantShape)
			}
		}

		data := batch.Images.Data.([]float32)
		seen = append(seen, data[0], data[4])
	}

	want := []float32{0, 1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("saw %d samples, want %d", len(seen), len(want))
	}
	for i, v := range want {
		if seen[i] != v {
			t.Errorf("sample %d: got %f, want %f", i, seen[i], v)
		}
	}
}

func TestDataLoaderRaggedBoxes(t *testing.T) {
	ds := newSliceDataset(t, 3)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 3})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	if len(batch.Boxes) != 3 {
		t.Fatalf("got %d box lists, want 3", len(batch.Boxes))
	}
	for i, boxes := range batch.Boxes {
		if len(boxes) != i {
			t.Errorf("sample %d: got %d boxes, want %d", i, len(boxes), i)
		}
	}
}

func TestDataLoaderShuffleIsPermutation(t *testing.T) {
	ds := newSliceDataset(t, 8)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 8, Shuffle: true, Seed: 7})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	data := batch.Images.Data.([]float32)
	seen := make(map[float32]bool)
	for i := 0; i < 8; i++ {
		seen[data[i*4]] = true
	}
	if len(seen) != 8 {
		t.Errorf("shuffled epoch covered %d distinct samples, want 8", len(seen))
	}
}

func TestDataLoaderReset(t *testing.T) {
	ds := newSliceDataset(t, 2)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	if _, err := dl.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if dl.HasNext() {
		t.Error("loader should be exhausted after one full batch")
	}
	if _, err := dl.Next(); err == nil {
		t.Error("expected error after exhaustion, got nil")
	}

	dl.Reset()
	if !dl.HasNext() {
		t.Error("loader should have batches after Reset")
	}
}

func TestDataLoaderPropagatesSampleError(t *testing.T) {
	ds := newSliceDataset(t, 4)
	ds.errAt = 2

	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	var sawError bool
	for result := range dl.Iterator() {
		if result.Err != nil {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected a sample error to surface through the iterator")
	}
}

func TestDataLoaderRejectsBadConfig(t *testing.T) {
	ds := newSliceDataset(t, 2)
	if _, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 0}); err == nil {
		t.Error("expected error for zero batch size, got nil")
	}
	if _, err := NewDataLoader(nil, DataLoaderConfig{BatchSize: 1}); err == nil {
		t.Error("expected error for nil dataset, got nil")
	}
}
