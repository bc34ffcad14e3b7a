package tensor

import (
	"fmt"
)

// Conv2DOp implements 2D cross-correlation over NCHW input with OIHW weights.
type Conv2DOp struct {
	inputs  []*Tensor // x, weight, and optionally bias
	stride  int
	padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

func (op *Conv2DOp) forwardTo(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D weight [out, in, kh, kw], got shape %v", weight.Shape)
	}
	if x.Shape[1] != weight.Shape[1] {
		return nil, fmt.Errorf("input channels %d do not match weight channels %d", x.Shape[1], weight.Shape[1])
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != weight.Shape[0]) {
		return nil, fmt.Errorf("bias shape %v does not match %d output channels", bias.Shape, weight.Shape[0])
	}
	if stride <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", stride)
	}

	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH := conv2DOutputSize(inH, kh, stride, padding)
	outW := conv2DOutputSize(inW, kw, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("convolution output would be empty for input %v, kernel %dx%d, stride %d, padding %d",
			x.Shape, kh, kw, stride, padding)
	}

	op.stride = stride
	op.padding = padding
	op.inputs = []*Tensor{x, weight}
	if bias != nil {
		op.inputs = append(op.inputs, bias)
	}

	result, err := Zeros([]int{batch, outC, outH, outW}, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	xData := x.Data.([]float32)
	wData := weight.Data.([]float32)
	outData := result.Data.([]float32)
	var bData []float32
	if bias != nil {
		bData = bias.Data.([]float32)
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			var biasVal float32
			if bData != nil {
				biasVal = bData[o]
			}
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					sum := biasVal
					for i := 0; i < inC; i++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= inW {
									continue
								}
								sum += xData[((b*inC+i)*inH+iy)*inW+ix] * wData[((o*inC+i)*kh+ky)*kw+kx]
							}
						}
					}
					outData[((b*outC+o)*outH+oy)*outW+ox] = sum
				}
			}
		}
	}

	record(result, op, op.inputs...)
	return result, nil
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("Conv2DOp requires stride and padding; use Conv2DAutograd")
}

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, weight := op.inputs[0], op.inputs[1]
	var bias *Tensor
	if len(op.inputs) == 3 {
		bias = op.inputs[2]
	}

	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]
	stride, padding := op.stride, op.padding

	gData := gradOut.Data.([]float32)
	xData := x.Data.([]float32)
	wData := weight.Data.([]float32)

	var gradX *Tensor
	var gradXData []float32
	if needsGrad(x) {
		var err error
		gradX, err = Zeros(x.Shape, Float32, x.Device)
		if err != nil {
			return nil, err
		}
		gradXData = gradX.Data.([]float32)
	}

	gradW, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		return nil, err
	}
	gradWData := gradW.Data.([]float32)

	var gradB *Tensor
	var gradBData []float32
	if bias != nil {
		gradB, err = Zeros(bias.Shape, Float32, bias.Device)
		if err != nil {
			return nil, err
		}
		gradBData = gradB.Data.([]float32)
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					g := gData[((b*outC+o)*outH+oy)*outW+ox]
					if gradBData != nil {
						gradBData[o] += g
					}
					for i := 0; i < inC; i++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= inW {
									continue
								}
								xIdx := ((b*inC+i)*inH+iy)*inW + ix
								wIdx := ((o*inC+i)*kh+ky)*kw + kx
								gradWData[wIdx] += g * xData[xIdx]
								if gradXData != nil {
									gradXData[xIdx] += g * wData[wIdx]
								}
							}
						}
					}
				}
			}
		}
	}

	grads := []*Tensor{gradX, gradW}
	if bias != nil {
		grads = append(grads, gradB)
	}
	return grads, nil
}

// Conv2DAutograd performs a 2D convolution with gradient support. bias may
// be nil.
func Conv2DAutograd(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &Conv2DOp{}
	return op.forwardTo(x, weight, bias, stride, padding)
}

// MaxPool2DOp implements 2D max pooling; argmax positions are kept for the
// backward scatter.
type MaxPool2DOp struct {
	inputs     []*Tensor
	kernelSize int
	stride     int
	argmax     []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) forwardTo(x *Tensor, kernelSize, stride int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	if kernelSize <= 0 || stride <= 0 {
		return nil, fmt.Errorf("kernel size and stride must be positive, got %d and %d", kernelSize, stride)
	}

	batch, channels, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (inH-kernelSize)/stride + 1
	outW := (inW-kernelSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("pooling output would be empty for input %v, kernel %d, stride %d", x.Shape, kernelSize, stride)
	}

	op.inputs = []*Tensor{x}
	op.kernelSize = kernelSize
	op.stride = stride

	result, err := Zeros([]int{batch, channels, outH, outW}, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	xData := x.Data.([]float32)
	outData := result.Data.([]float32)
	op.argmax = make([]int, result.NumElems)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					bestIdx := ((b*channels+c)*inH+oy*stride)*inW + ox*stride
					best := xData[bestIdx]
					for ky := 0; ky < kernelSize; ky++ {
						iy := oy*stride + ky
						for kx := 0; kx < kernelSize; kx++ {
							ix := ox*stride + kx
							idx := ((b*channels+c)*inH+iy)*inW + ix
							if xData[idx] > best {
								best = xData[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*channels+c)*outH+oy)*outW + ox
					outData[outIdx] = best
					op.argmax[outIdx] = bestIdx
				}
			}
		}
	}

	record(result, op, x)
	return result, nil
}

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("MaxPool2DOp requires kernel size and stride; use MaxPool2DAutograd")
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]

	grad, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	gData := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)
	for outIdx, inIdx := range op.argmax {
		gradData[inIdx] += gData[outIdx]
	}

	return []*Tensor{grad}, nil
}

// MaxPool2DAutograd performs 2D max pooling with gradient support.
func MaxPool2DAutograd(x *Tensor, kernelSize, stride int) (*Tensor, error) {
	op := &MaxPool2DOp{}
	return op.forwardTo(x, kernelSize, stride)
}

// BatchNorm2DOp normalizes NCHW input per channel with the supplied
// statistics and applies a learnable affine transform. The statistics are
// treated as constants in the backward pass; gradients flow to the input,
// gamma and beta.
type BatchNorm2DOp struct {
	inputs []*Tensor // x, gamma, beta
	invStd []float32
	xhat   []float32
}

func (op *BatchNorm2DOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNorm2DOp) forwardTo(x, gamma, beta *Tensor, mean, variance []float32, eps float64) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	channels := x.Shape[1]
	if len(gamma.Shape) != 1 || gamma.Shape[0] != channels {
		return nil, fmt.Errorf("gamma shape %v does not match %d channels", gamma.Shape, channels)
	}
	if len(beta.Shape) != 1 || beta.Shape[0] != channels {
		return nil, fmt.Errorf("beta shape %v does not match %d channels", beta.Shape, channels)
	}
	if len(mean) != channels || len(variance) != channels {
		return nil, fmt.Errorf("statistics length %d/%d does not match %d channels", len(mean), len(variance), channels)
	}

	op.inputs = []*Tensor{x, gamma, beta}

	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	plane := h * w

	result, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	op.invStd = make([]float32, channels)
	for c := 0; c < channels; c++ {
		op.invStd[c] = float32(1.0 / sqrt64(float64(variance[c])+eps))
	}
	op.xhat = make([]float32, x.NumElems)

	xData := x.Data.([]float32)
	gData := gamma.Data.([]float32)
	bData := beta.Data.([]float32)
	outData := result.Data.([]float32)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * plane
			for p := 0; p < plane; p++ {
				xhat := (xData[base+p] - mean[c]) * op.invStd[c]
				op.xhat[base+p] = xhat
				outData[base+p] = gData[c]*xhat + bData[c]
			}
		}
	}

	record(result, op, op.inputs...)
	return result, nil
}

func (op *BatchNorm2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("BatchNorm2DOp requires statistics; use BatchNorm2DAutograd")
}

func (op *BatchNorm2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	batch, channels := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]

	gData := gradOut.Data.([]float32)
	gammaData := gamma.Data.([]float32)

	var gradX *Tensor
	var gradXData []float32
	if needsGrad(x) {
		var err error
		gradX, err = Zeros(x.Shape, Float32, x.Device)
		if err != nil {
			return nil, err
		}
		gradXData = gradX.Data.([]float32)
	}

	gradGamma, err := Zeros(gamma.Shape, Float32, gamma.Device)
	if err != nil {
		return nil, err
	}
	gradBeta, err := Zeros(beta.Shape, Float32, beta.Device)
	if err != nil {
		return nil, err
	}
	gradGammaData := gradGamma.Data.([]float32)
	gradBetaData := gradBeta.Data.([]float32)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * plane
			for p := 0; p < plane; p++ {
				g := gData[base+p]
				gradGammaData[c] += g * op.xhat[base+p]
				gradBetaData[c] += g
				if gradXData != nil {
					gradXData[base+p] = g * gammaData[c] * op.invStd[c]
				}
			}
		}
	}

	return []*Tensor{gradX, gradGamma, gradBeta}, nil
}

// BatchNorm2DAutograd normalizes x per channel with mean/variance and applies
// gamma and beta. The caller supplies batch statistics in training mode and
// running statistics in eval mode.
func BatchNorm2DAutograd(x, gamma, beta *Tensor, mean, variance []float32, eps float64) (*Tensor, error) {
	op := &BatchNorm2DOp{}
	return op.forwardTo(x, gamma, beta, mean, variance, eps)
}
