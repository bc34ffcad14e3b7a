package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Forward computes the output
// tensor and records the inputs; Backward maps the output gradient to one
// gradient per input, aligned with Inputs().
type Operation interface {
	Forward(...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       DeviceType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) Creator() Operation {
	return t.creator
}

// gradEnabled gates graph construction. The training loop is single-threaded
// (the loader channel is the only concurrency), so a plain bool suffices.
var gradEnabled = true

// SetGradEnabled turns autograd graph recording on or off and returns the
// previous setting. Validation passes run with recording off.
func SetGradEnabled(enabled bool) bool {
	prev := gradEnabled
	gradEnabled = enabled
	return prev
}

func GradEnabled() bool {
	return gradEnabled
}

// needsGrad reports whether a tensor participates in gradient computation,
// either as a leaf parameter or as an intermediate graph node.
func needsGrad(t *Tensor) bool {
	return t.requiresGrad || t.creator != nil
}

// record attaches autograd metadata to an op result when recording is on and
// at least one input participates in the graph.
func record(result *Tensor, op Operation, inputs ...*Tensor) {
	if !gradEnabled {
		return
	}
	for _, in := range inputs {
		if needsGrad(in) {
			result.creator = op
			result.requiresGrad = true
			return
		}
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 1
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
