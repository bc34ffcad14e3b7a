package training

import (
	"fmt"
	"math/rand"
	"sync"

	"griddet/tensor"
)

// BoxLabels holds the ground truth boxes for one image. Each row is
// [class, cx, cy, w, h] with coordinates normalized to [0, 1].
type BoxLabels [][5]float32

// Dataset provides indexed access to samples
type Dataset interface {
	Len() int
	Get(index int) (*tensor.Tensor, BoxLabels, error)
}

// Batch is a stacked group of samples. Images carries the batch as one
// tensor; Boxes stays per-image because images differ in box count.
type Batch struct {
	Images *tensor.Tensor
	Boxes  []BoxLabels
}

// BatchResult is one element of the iteration stream.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// DataLoaderConfig holds configuration for data loading
type DataLoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// DataLoader batches and optionally shuffles dataset samples
type DataLoader struct {
	dataset  Dataset
	config   DataLoaderConfig
	indices  []int
	position int
	rng      *rand.Rand
	mu       sync.Mutex
}

// NewDataLoader creates a loader over the dataset.
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	seed := config.Seed
	if seed == 0 {
		seed = 1
	}

	dl := &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(seed)),
	}
	dl.Reset()

	return dl, nil
}

// Len returns the number of batches per epoch. A trailing partial batch
// counts.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset rewinds the loader and reshuffles if configured.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	n := dl.dataset.Len()
	if len(dl.indices) != n {
		dl.indices = make([]int, n)
		for i := range dl.indices {
			dl.indices[i] = i
		}
	}

	if dl.config.Shuffle {
		dl.rng.Shuffle(n, func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	dl.position = 0
}

// HasNext reports whether another batch remains in this epoch.
func (dl *DataLoader) HasNext() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch. Call Reset to start a new epoch.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	if dl.position >= len(dl.indices) {
		dl.mu.Unlock()
		return nil, fmt.Errorf("epoch exhausted, call Reset")
	}

	end := dl.position + dl.config.BatchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end
	dl.mu.Unlock()

	return dl.loadBatch(batchIndices)
}

// loadBatch fetches samples and stacks images into one tensor.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	var images *tensor.Tensor
	var imageData []float32
	var sampleShape []int
	boxes := make([]BoxLabels, 0, len(indices))

	for i, idx := range indices {
		img, labels, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}

		data, err := img.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}

		if i == 0 {
			sampleShape = img.Shape
			imageData = make([]float32, len(indices)*img.NumElems)
		} else if !sameShape(img.Shape, sampleShape) {
			return nil, fmt.Errorf("sample %d shape %v does not match batch shape %v", idx, img.Shape, sampleShape)
		}

		copy(imageData[i*len(data):], data)
		boxes = append(boxes, labels)
	}

	batchShape := append([]int{len(indices)}, sampleShape...)
	images, err := tensor.NewTensor(batchShape, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tensor: %w", err)
	}

	return &Batch{Images: images, Boxes: boxes}, nil
}

// Iterator resets the loader and streams one epoch of batches through a
// channel. Loading runs in a background goroutine so the consumer overlaps
// compute with I/O. A failed batch is delivered with Err set and ends the
// stream.
func (dl *DataLoader) Iterator() <-chan BatchResult {
	dl.Reset()
	ch := make(chan BatchResult, 2)

	go func() {
		defer close(ch)
		for dl.HasNext() {
			batch, err := dl.Next()
			ch <- BatchResult{Batch: batch, Err: err}
			if err != nil {
				return
			}
		}
	}()

	return ch
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
