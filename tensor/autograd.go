package tensor

import (
	"fmt"
)

// AddOp implements elementwise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}

	record(result, op, inputs...)
	return result, nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d(a+b)/da = 1, d(a+b)/db = 1
	gradA, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// SubOp implements elementwise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}

	record(result, op, inputs...)
	return result, nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d(a-b)/da = 1, d(a-b)/db = -1
	gradA, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := Scale(gradOut, -1.0)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// MulOp implements elementwise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}

	record(result, op, inputs...)
	return result, nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// d(a*b)/da = b, d(a*b)/db = a
	gradA, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReLUOp implements the ReLU activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		return nil, err
	}

	record(result, op, inputs...)
	return result, nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	// dReLU(x)/dx = 1 for x > 0, else 0
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}, nil
}

// MeanOp reduces all elements to their arithmetic mean.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MeanOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := MeanAll(inputs[0])
	if err != nil {
		return nil, err
	}

	record(result, op, inputs...)
	return result, nil
}

func (op *MeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	// d(mean(x))/dx_i = 1/N
	g := gradOut.Data.([]float32)[0] / float32(a.NumElems)
	grad, err := NewTensor(a.Shape, Float32, a.Device, g)
	if err != nil {
		return nil, err
	}

	return []*Tensor{grad}, nil
}

// ReshapeOp reinterprets a tensor's data with a new shape. The output shares
// the input's backing slice.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) forwardTo(input *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != input.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", input.Shape, input.NumElems, shape)
	}

	op.inputs = []*Tensor{input}

	result, err := NewTensor(shape, input.DType, input.Device, input.Data)
	if err != nil {
		return nil, err
	}

	record(result, op, input)
	return result, nil
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("ReshapeOp requires a target shape; use ReshapeAutograd")
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	grad, err := NewTensor(a.Shape, gradOut.DType, gradOut.Device, gradOut.Data)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// PermuteOp reorders tensor axes: output axis i is input axis axes[i].
type PermuteOp struct {
	inputs []*Tensor
	axes   []int
}

func permuteData(input *Tensor, axes []int) (*Tensor, error) {
	if len(axes) != len(input.Shape) {
		return nil, fmt.Errorf("permutation %v does not match tensor rank %d", axes, len(input.Shape))
	}
	seen := make([]bool, len(axes))
	for _, ax := range axes {
		if ax < 0 || ax >= len(axes) || seen[ax] {
			return nil, fmt.Errorf("invalid permutation %v", axes)
		}
		seen[ax] = true
	}
	if input.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Permute: %s", input.DType)
	}

	outShape := make([]int, len(axes))
	for i, ax := range axes {
		outShape[i] = input.Shape[ax]
	}

	result, err := Zeros(outShape, input.DType, input.Device)
	if err != nil {
		return nil, err
	}

	inData := input.Data.([]float32)
	outData := result.Data.([]float32)
	inStrides := input.Strides

	coords := make([]int, len(outShape))
	for outIdx := 0; outIdx < result.NumElems; outIdx++ {
		rem := outIdx
		for i := len(outShape) - 1; i >= 0; i-- {
			coords[i] = rem % outShape[i]
			rem /= outShape[i]
		}

		inIdx := 0
		for i, ax := range axes {
			inIdx += coords[i] * inStrides[ax]
		}
		outData[outIdx] = inData[inIdx]
	}

	return result, nil
}

func (op *PermuteOp) Inputs() []*Tensor { return op.inputs }

func (op *PermuteOp) forwardTo(input *Tensor, axes []int) (*Tensor, error) {
	op.inputs = []*Tensor{input}
	op.axes = axes

	result, err := permuteData(input, axes)
	if err != nil {
		return nil, err
	}

	record(result, op, input)
	return result, nil
}

func (op *PermuteOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("PermuteOp requires axes; use PermuteAutograd")
}

func (op *PermuteOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// Gradient flows through the inverse permutation.
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	grad, err := permuteData(gradOut, inverse)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// High-level autograd entry points.

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MulOp{}
	return op.Forward(a, b)
}

func ReLUAutograd(a *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	return op.Forward(a)
}

func MeanAutograd(a *Tensor) (*Tensor, error) {
	op := &MeanOp{}
	return op.Forward(a)
}

func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	op := &ReshapeOp{}
	return op.forwardTo(a, shape)
}

func PermuteAutograd(a *Tensor, axes []int) (*Tensor, error) {
	op := &PermuteOp{}
	return op.forwardTo(a, axes)
}

// Backward runs reverse-mode differentiation from a single-element tensor,
// accumulating gradients into every reachable leaf that requires them.
func Backward(loss *Tensor) error {
	if loss.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got %d elements", loss.NumElems)
	}
	if loss.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 tensor, got %s", loss.DType)
	}

	// Topological order over creator edges.
	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				visit(in)
			}
		}
		topo = append(topo, t)
	}
	visit(loss)

	seed, err := Ones(loss.Shape, Float32, loss.Device)
	if err != nil {
		return err
	}

	grads := map[*Tensor]*Tensor{loss: seed}

	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		g := grads[node]
		if g == nil {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.accumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}

		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil || !needsGrad(in) {
				continue
			}
			if existing := grads[in]; existing != nil {
				summed, err := Add(existing, ig)
				if err != nil {
					return err
				}
				grads[in] = summed
			} else {
				grads[in] = ig
			}
		}
	}

	return nil
}

// accumulateGrad adds g into the tensor's gradient, allocating it on first
// use. The stored gradient never aliases op outputs.
func (t *Tensor) accumulateGrad(g *Tensor) error {
	if _, err := checkShapesCompatible(t.Shape, g.Shape); err != nil {
		return fmt.Errorf("gradient shape mismatch for %s: %w", t, err)
	}

	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}

	gradData := t.grad.Data.([]float32)
	newData := g.Data.([]float32)
	for i := range gradData {
		gradData[i] += newData[i]
	}
	return nil
}
