// Package models provides the U-Net architectures for radiograph analysis:
// dense UV correspondence regression, landmark heatmap regression, and joint
// heatmap plus segmentation prediction.
package models

import (
	"fmt"

	"github.com/densemark/uvtrain/tensor"
	"github.com/densemark/uvtrain/training"
)

// Config holds the shared U-Net trunk settings.
type Config struct {
	InChannels int               // Image channels, 1 when zero
	BaseWidth  int               // Feature channels at full resolution, 16 when zero
	Depth      int               // Number of pooling steps, 2 when zero
	Device     tensor.DeviceType // CPU when zero
}

func (c *Config) applyDefaults() error {
	if c.InChannels == 0 {
		c.InChannels = 1
	}
	if c.BaseWidth == 0 {
		c.BaseWidth = 16
	}
	if c.Depth == 0 {
		c.Depth = 2
	}
	if c.InChannels < 0 {
		return fmt.Errorf("input channels cannot be negative, got %d", c.InChannels)
	}
	if c.BaseWidth < 0 {
		return fmt.Errorf("base width cannot be negative, got %d", c.BaseWidth)
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be at least 1, got %d", c.Depth)
	}
	return nil
}

// trunk is the encoder-decoder backbone shared by all three model heads. It
// maps (B, in, H, W) to (B, BaseWidth, H, W) features, with skip connections
// concatenated at every decoder level.
type trunk struct {
	encoders []*training.Sequential
	pools    []*training.MaxPool2x2
	ups      []*training.UpsampleNearest2x
	decoders []*training.Sequential
	factor   int
}

// convBlock chains two padded 3x3 convolutions with ReLU activations
func convBlock(inCh, outCh int, device tensor.DeviceType) (*training.Sequential, error) {
	first, err := training.NewConv2D(inCh, outCh, 3, 1, true, device)
	if err != nil {
		return nil, err
	}
	second, err := training.NewConv2D(outCh, outCh, 3, 1, true, device)
	if err != nil {
		return nil, err
	}
	return training.NewSequential(first, training.NewReLU(), second, training.NewReLU()), nil
}

func newTrunk(cfg Config) (*trunk, error) {
	t := &trunk{factor: 1 << cfg.Depth}

	// Encoder path: BaseWidth doubles at every pooling step
	inCh := cfg.InChannels
	for level := 0; level <= cfg.Depth; level++ {
		outCh := cfg.BaseWidth << level
		block, err := convBlock(inCh, outCh, cfg.Device)
		if err != nil {
			return nil, err
		}
		t.encoders = append(t.encoders, block)
		inCh = outCh
	}

	// Decoder path: upsampled features are concatenated with the skip from
	// the same level, so the block input carries both widths.
	for level := 0; level < cfg.Depth; level++ {
		skipCh := cfg.BaseWidth << level
		upCh := cfg.BaseWidth << (level + 1)
		block, err := convBlock(skipCh+upCh, skipCh, cfg.Device)
		if err != nil {
			return nil, err
		}
		t.decoders = append(t.decoders, block)
		t.pools = append(t.pools, training.NewMaxPool2x2())
		t.ups = append(t.ups, training.NewUpsampleNearest2x())
	}

	return t, nil
}

func (t *trunk) forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if images == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(images.Shape) != 4 {
		return nil, fmt.Errorf("model expects 4D input (batch, channels, height, width), got shape %v", images.Shape)
	}
	if images.Shape[2]%t.factor != 0 || images.Shape[3]%t.factor != 0 {
		return nil, fmt.Errorf("input spatial dimensions %dx%d must be divisible by %d",
			images.Shape[2], images.Shape[3], t.factor)
	}

	skips := make([]*tensor.Tensor, 0, len(t.decoders))
	out := images
	var err error
	for i, encoder := range t.encoders {
		out, err = encoder.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("encoder level %d failed: %v", i, err)
		}
		if i < len(t.encoders)-1 {
			skips = append(skips, out)
			out, err = t.pools[i].Forward(out)
			if err != nil {
				return nil, fmt.Errorf("pooling level %d failed: %v", i, err)
			}
		}
	}

	for i := len(t.decoders) - 1; i >= 0; i-- {
		out, err = t.ups[i].Forward(out)
		if err != nil {
			return nil, fmt.Errorf("upsampling level %d failed: %v", i, err)
		}
		out = tensor.ConcatAutograd(1, skips[i], out)
		out, err = t.decoders[i].Forward(out)
		if err != nil {
			return nil, fmt.Errorf("decoder level %d failed: %v", i, err)
		}
	}

	return out, nil
}

func (t *trunk) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, block := range t.encoders {
		params = append(params, block.Parameters()...)
	}
	for _, block := range t.decoders {
		params = append(params, block.Parameters()...)
	}
	return params
}

func (t *trunk) setTraining(training bool) {
	for _, block := range t.encoders {
		if training {
			block.Train()
		} else {
			block.Eval()
		}
	}
	for _, block := range t.decoders {
		if training {
			block.Train()
		} else {
			block.Eval()
		}
	}
}

// UVUNet predicts segmentation logits and a dense UV correspondence map for
// every anatomical structure.
type UVUNet struct {
	trunk      *trunk
	segHead    *training.Conv2D
	uvHead     *training.Conv2D
	numClasses int
	training   bool
}

// NewUVUNet creates a UV correspondence model for the given class count.
func NewUVUNet(cfg Config, numClasses int) (*UVUNet, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("class count must be at least 1, got %d", numClasses)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	t, err := newTrunk(cfg)
	if err != nil {
		return nil, err
	}
	segHead, err := training.NewConv2D(cfg.BaseWidth, numClasses, 1, 0, true, cfg.Device)
	if err != nil {
		return nil, err
	}
	// Two channels per class, interleaved (U then V)
	uvHead, err := training.NewConv2D(cfg.BaseWidth, numClasses*2, 1, 0, true, cfg.Device)
	if err != nil {
		return nil, err
	}

	return &UVUNet{
		trunk:      t,
		segHead:    segHead,
		uvHead:     uvHead,
		numClasses: numClasses,
		training:   true,
	}, nil
}

// Forward returns segmentation logits (B, classes, H, W) and the UV map
// (B, classes, 2, H, W).
func (m *UVUNet) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	features, err := m.trunk.forward(images)
	if err != nil {
		return nil, nil, err
	}

	seg, err := m.segHead.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("segmentation head failed: %v", err)
	}
	uvFlat, err := m.uvHead.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("UV head failed: %v", err)
	}

	batch := uvFlat.Shape[0]
	height := uvFlat.Shape[2]
	width := uvFlat.Shape[3]
	uv := tensor.ReshapeAutograd(uvFlat, []int{batch, m.numClasses, 2, height, width})

	return seg, uv, nil
}

// Parameters returns all trainable parameters
func (m *UVUNet) Parameters() []*tensor.Tensor {
	params := m.trunk.parameters()
	params = append(params, m.segHead.Parameters()...)
	params = append(params, m.uvHead.Parameters()...)
	return params
}

// Train sets the model to training mode
func (m *UVUNet) Train() {
	m.training = true
	m.trunk.setTraining(true)
	m.segHead.Train()
	m.uvHead.Train()
}

// Eval sets the model to evaluation mode
func (m *UVUNet) Eval() {
	m.training = false
	m.trunk.setTraining(false)
	m.segHead.Eval()
	m.uvHead.Eval()
}

// IsTraining returns whether the model is in training mode
func (m *UVUNet) IsTraining() bool {
	return m.training
}

// KeypointUNet regresses one Gaussian heatmap per landmark.
type KeypointUNet struct {
	trunk    *trunk
	head     *training.Conv2D
	training bool
}

// NewKeypointUNet creates a heatmap regression model for the given landmark
// count.
func NewKeypointUNet(cfg Config, numLandmarks int) (*KeypointUNet, error) {
	if numLandmarks < 1 {
		return nil, fmt.Errorf("landmark count must be at least 1, got %d", numLandmarks)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	t, err := newTrunk(cfg)
	if err != nil {
		return nil, err
	}
	head, err := training.NewConv2D(cfg.BaseWidth, numLandmarks, 1, 0, true, cfg.Device)
	if err != nil {
		return nil, err
	}

	return &KeypointUNet{trunk: t, head: head, training: true}, nil
}

// Forward returns predicted heatmaps (B, landmarks, H, W).
func (m *KeypointUNet) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.trunk.forward(images)
	if err != nil {
		return nil, err
	}
	heatmaps, err := m.head.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("heatmap head failed: %v", err)
	}
	return heatmaps, nil
}

// Parameters returns all trainable parameters
func (m *KeypointUNet) Parameters() []*tensor.Tensor {
	return append(m.trunk.parameters(), m.head.Parameters()...)
}

// Train sets the model to training mode
func (m *KeypointUNet) Train() {
	m.training = true
	m.trunk.setTraining(true)
	m.head.Train()
}

// Eval sets the model to evaluation mode
func (m *KeypointUNet) Eval() {
	m.training = false
	m.trunk.setTraining(false)
	m.head.Eval()
}

// IsTraining returns whether the model is in training mode
func (m *KeypointUNet) IsTraining() bool {
	return m.training
}

// KeypointSegUNet predicts landmark heatmaps and segmentation logits from a
// shared trunk.
type KeypointSegUNet struct {
	trunk       *trunk
	heatmapHead *training.Conv2D
	segHead     *training.Conv2D
	training    bool
}

// NewKeypointSegUNet creates a joint heatmap and segmentation model.
func NewKeypointSegUNet(cfg Config, numLandmarks, numClasses int) (*KeypointSegUNet, error) {
	if numLandmarks < 1 {
		return nil, fmt.Errorf("landmark count must be at least 1, got %d", numLandmarks)
	}
	if numClasses < 1 {
		return nil, fmt.Errorf("class count must be at least 1, got %d", numClasses)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	t, err := newTrunk(cfg)
	if err != nil {
		return nil, err
	}
	heatmapHead, err := training.NewConv2D(cfg.BaseWidth, numLandmarks, 1, 0, true, cfg.Device)
	if err != nil {
		return nil, err
	}
	segHead, err := training.NewConv2D(cfg.BaseWidth, numClasses, 1, 0, true, cfg.Device)
	if err != nil {
		return nil, err
	}

	return &KeypointSegUNet{
		trunk:       t,
		heatmapHead: heatmapHead,
		segHead:     segHead,
		training:    true,
	}, nil
}

// Forward returns heatmaps (B, landmarks, H, W) and segmentation logits
// (B, classes, H, W).
func (m *KeypointSegUNet) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	features, err := m.trunk.forward(images)
	if err != nil {
		return nil, nil, err
	}
	heatmaps, err := m.heatmapHead.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("heatmap head failed: %v", err)
	}
	seg, err := m.segHead.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("segmentation head failed: %v", err)
	}
	return heatmaps, seg, nil
}

// Parameters returns all trainable parameters
func (m *KeypointSegUNet) Parameters() []*tensor.Tensor {
	params := m.trunk.parameters()
	params = append(params, m.heatmapHead.Parameters()...)
	params = append(params, m.segHead.Parameters()...)
	return params
}

// Train sets the model to training mode
func (m *KeypointSegUNet) Train() {
	m.training = true
	m.trunk.setTraining(true)
	m.heatmapHead.Train()
	m.segHead.Train()
}

// Eval sets the model to evaluation mode
func (m *KeypointSegUNet) Eval() {
	m.training = false
	m.trunk.setTraining(false)
	m.heatmapHead.Eval()
	m.segHead.Eval()
}

// IsTraining returns whether the model is in training mode
func (m *KeypointSegUNet) IsTraining() bool {
	return m.training
}
