// Package model builds the grid detection network: a strided convolutional
// backbone followed by a dense per-cell prediction head.
package model

import (
	"fmt"

	"griddet/tensor"
	"griddet/training"
)

// BackboneStride is the total spatial downsampling of the backbone. Input
// height and width must be divisible by it.
const BackboneStride = 32

// DefaultAnchorsPerCell is the number of anchor slots predicted per grid
// cell.
const DefaultAnchorsPerCell = 3

// Detector is a single-stage grid detector. The backbone halves the spatial
// resolution five times; a 1x1 head then predicts, for each grid cell and
// anchor, class scores plus box offsets and objectness.
type Detector struct {
	backbone   *training.Sequential
	head       *training.Conv2D
	numClasses int
	anchors    int
	training   bool
}

// stageWidths are the output channels of the five backbone stages.
var stageWidths = []int{32, 64, 128, 256, 512}

// NewDetector builds a detector for numClasses object classes with the given
// number of anchors per cell. Pass anchors <= 0 for the default.
func NewDetector(numClasses, anchors int) (*Detector, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if anchors <= 0 {
		anchors = DefaultAnchorsPerCell
	}

	backbone := training.NewSequential()
	inChannels := 3
	for i, width := range stageWidths {
		conv, err := training.NewConv2D(inChannels, width, 3, 1, 1, true)
		if err != nil {
			return nil, fmt.Errorf("stage %d conv: %w", i, err)
		}
		bn, err := training.NewBatchNorm2D(width, 1e-5, 0.1)
		if err != nil {
			return nil, fmt.Errorf("stage %d batchnorm: %w", i, err)
		}

		backbone.Add(conv)
		backbone.Add(bn)
		backbone.Add(training.NewReLU())
		backbone.Add(training.NewMaxPool2D(2, 2))

		inChannels = width
	}

	// Head maps backbone features to anchors * (classes + 4 box + 1 obj)
	// channels per cell.
	head, err := training.NewConv2D(inChannels, anchors*(numClasses+5), 1, 1, 0, true)
	if err != nil {
		return nil, fmt.Errorf("head conv: %w", err)
	}

	return &Detector{
		backbone:   backbone,
		head:       head,
		numClasses: numClasses,
		anchors:    anchors,
		training:   true,
	}, nil
}

// Forward maps a batch of images [B, 3, H, W] to predictions laid out as
// [B, H/32, W/32, anchors, classes+5]. H and W must be multiples of
// BackboneStride.
func (d *Detector) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("detector expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != 3 {
		return nil, fmt.Errorf("detector expects 3 input channels, got %d", input.Shape[1])
	}
	if input.Shape[2]%BackboneStride != 0 || input.Shape[3]%BackboneStride != 0 {
		return nil, fmt.Errorf("input height and width must be multiples of %d, got %dx%d",
			BackboneStride, input.Shape[2], input.Shape[3])
	}

	features, err := d.backbone.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("backbone forward failed: %w", err)
	}

	raw, err := d.head.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("head forward failed: %w", err)
	}

	// raw is [B, anchors*(classes+5), Hg, Wg]. Split the channel axis into
	// anchor and field axes, then move the spatial axes ahead of them.
	batch := raw.Shape[0]
	gridH := raw.Shape[2]
	gridW := raw.Shape[3]
	fields := d.numClasses + 5

	split, err := tensor.ReshapeAutograd(raw, []int{batch, d.anchors, fields, gridH, gridW})
	if err != nil {
		return nil, fmt.Errorf("failed to split head channels: %w", err)
	}

	out, err := tensor.PermuteAutograd(split, []int{0, 3, 4, 1, 2})
	if err != nil {
		return nil, fmt.Errorf("failed to reorder prediction axes: %w", err)
	}

	return out, nil
}

// Parameters returns all trainable parameters of backbone and head.
func (d *Detector) Parameters() []*tensor.Tensor {
	return append(d.backbone.Parameters(), d.head.Parameters()...)
}

func (d *Detector) Train() {
	d.training = true
	d.backbone.Train()
	d.head.Train()
}

func (d *Detector) Eval() {
	d.training = false
	d.backbone.Eval()
	d.head.Eval()
}

func (d *Detector) IsTraining() bool { return d.training }

// NumClasses returns the number of object classes the head predicts.
func (d *Detector) NumClasses() int { return d.numClasses }

// AnchorsPerCell returns the number of anchor slots per grid cell.
func (d *Detector) AnchorsPerCell() int { return d.anchors }
