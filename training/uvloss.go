package training

import (
	"fmt"
	"math"

	"github.com/densemark/uvtrain/tensor"
)

// validateUVPair checks that predicted and ground truth UV maps share the
// expected (batch, classes, 2, height, width) layout.
func validateUVPair(uvHat, uv *tensor.Tensor) error {
	if uvHat == nil || uv == nil {
		return fmt.Errorf("UV tensors cannot be nil")
	}
	if uvHat.DType != tensor.Float32 || uv.DType != tensor.Float32 {
		return fmt.Errorf("UV loss requires Float32 tensors, got %s and %s", uvHat.DType, uv.DType)
	}
	if len(uvHat.Shape) != 5 || uvHat.Shape[2] != 2 {
		return fmt.Errorf("UV maps must have shape (batch, classes, 2, height, width), got %v", uvHat.Shape)
	}
	if len(uv.Shape) != 5 {
		return fmt.Errorf("UV maps must have shape (batch, classes, 2, height, width), got %v", uv.Shape)
	}
	for i := range uvHat.Shape {
		if uvHat.Shape[i] != uv.Shape[i] {
			return fmt.Errorf("predicted and ground truth UV shapes must match: %v vs %v", uvHat.Shape, uv.Shape)
		}
	}
	return nil
}

// MaskUV returns a copy of the UV map with both channels set to NaN
// wherever the segmentation mask is false. The segmentation mask has shape
// (batch, classes, height, width) and is broadcast over the UV channel axis.
func MaskUV(uv, seg *tensor.Tensor) (*tensor.Tensor, error) {
	if uv == nil || seg == nil {
		return nil, fmt.Errorf("UV map and segmentation mask cannot be nil")
	}
	if len(uv.Shape) != 5 || uv.Shape[2] != 2 {
		return nil, fmt.Errorf("UV map must have shape (batch, classes, 2, height, width), got %v", uv.Shape)
	}
	if seg.DType != tensor.Bool {
		return nil, fmt.Errorf("segmentation mask must be Bool, got %s", seg.DType)
	}
	if len(seg.Shape) != 4 || seg.Shape[0] != uv.Shape[0] || seg.Shape[1] != uv.Shape[1] ||
		seg.Shape[2] != uv.Shape[3] || seg.Shape[3] != uv.Shape[4] {
		return nil, fmt.Errorf("segmentation shape %v does not match UV map %v", seg.Shape, uv.Shape)
	}

	result, err := uv.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone UV map: %v", err)
	}

	batch, classes := uv.Shape[0], uv.Shape[1]
	height, width := uv.Shape[3], uv.Shape[4]
	planeSize := height * width

	segData := seg.Data.([]bool)
	uvData := result.Data.([]float32)
	nan := tensor.NaN32()

	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			segBase := (b*classes + c) * planeSize
			uvBase := (b*classes + c) * 2 * planeSize
			for p := 0; p < planeSize; p++ {
				if !segData[segBase+p] {
					uvData[uvBase+p] = nan
					uvData[uvBase+planeSize+p] = nan
				}
			}
		}
	}

	return result, nil
}

// BalancedUVLoss scores a predicted UV map against a dense ground truth
// map. NaN entries in the ground truth mark unsupervised pixels: they are
// excluded from the sum, and each (batch, class) cell is normalized by its
// own count of supervised elements so classes with small masks carry the
// same weight as classes with large ones.
type BalancedUVLoss struct {
	elem ElementLoss
}

// NewBalancedUVLoss creates a new balanced UV regression loss
func NewBalancedUVLoss(elem ElementLoss) (*BalancedUVLoss, error) {
	if elem == nil {
		return nil, fmt.Errorf("element loss cannot be nil")
	}
	return &BalancedUVLoss{elem: elem}, nil
}

// Forward computes the per-class loss matrix of shape (batch, classes)
func (l *BalancedUVLoss) Forward(uvHat, uv *tensor.Tensor) (*tensor.Tensor, error) {
	if err := validateUVPair(uvHat, uv); err != nil {
		return nil, err
	}

	allNaN, err := tensor.AllNaN(uv)
	if err != nil {
		return nil, err
	}
	if allNaN {
		return nil, fmt.Errorf("ground truth UV map contains no supervised pixels")
	}

	op := &balancedUVOp{elem: l.elem}
	return op.Forward(uvHat, uv), nil
}

// balancedUVOp is the fused forward/backward pair behind BalancedUVLoss
type balancedUVOp struct {
	inputs []*tensor.Tensor
	elem   ElementLoss
	valid  []int // supervised element count per (batch, class) cell
}

func (op *balancedUVOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *balancedUVOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("balancedUVOp requires exactly 2 inputs")
	}

	uvHat, uv := inputs[0], inputs[1]
	op.inputs = inputs

	batch, classes := uvHat.Shape[0], uvHat.Shape[1]
	cellSize := 2 * uvHat.Shape[3] * uvHat.Shape[4]

	predData := uvHat.Data.([]float32)
	gtData := uv.Data.([]float32)

	op.valid = make([]int, batch*classes)
	lossData := make([]float32, batch*classes)

	for cell := 0; cell < batch*classes; cell++ {
		base := cell * cellSize
		sum := 0.0
		valid := 0
		for i := 0; i < cellSize; i++ {
			gt := gtData[base+i]
			if gt != gt { // NaN marks unsupervised pixels
				continue
			}
			sum += float64(op.elem.Value(predData[base+i], gt))
			valid++
		}
		op.valid[cell] = valid
		lossData[cell] = float32(sum / float64(valid+1))
	}

	result, err := tensor.NewTensor([]int{batch, classes}, tensor.Float32, uvHat.Device, lossData)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	tensor.AttachOp(result, op, uvHat, uv)

	return result
}

func (op *balancedUVOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	uvHat, uv := op.inputs[0], op.inputs[1]
	upstream := gradOut.Data.([]float32)

	grad, err := tensor.Zeros(uvHat.Shape, tensor.Float32, uvHat.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	batch, classes := uvHat.Shape[0], uvHat.Shape[1]
	cellSize := 2 * uvHat.Shape[3] * uvHat.Shape[4]

	predData := uvHat.Data.([]float32)
	gtData := uv.Data.([]float32)
	gradData := grad.Data.([]float32)

	for cell := 0; cell < batch*classes; cell++ {
		base := cell * cellSize
		scale := upstream[cell] / float32(op.valid[cell]+1)
		for i := 0; i < cellSize; i++ {
			gt := gtData[base+i]
			if gt != gt {
				continue
			}
			gradData[base+i] = op.elem.Deriv(predData[base+i], gt) * scale
		}
	}

	return []*tensor.Tensor{grad, nil}
}

// UVL1 computes the balanced L1 distance between predicted and ground
// truth UV maps without recording gradients. It serves as an evaluation
// metric independent of the configured training loss.
func UVL1(uvHat, uv *tensor.Tensor) (*tensor.Tensor, error) {
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	loss := &BalancedUVLoss{elem: NewAbsoluteError()}
	return loss.Forward(uvHat, uv)
}

// LandmarkUVLoss scores a predicted UV map at sparse landmark positions.
// Each class owns a fixed span of landmarks, and every landmark carries a
// canonical UV value that the prediction is sampled against: the predicted
// map is read out with bilinear interpolation at the landmark pixel
// coordinates and compared to the canonical value. Landmarks outside the
// image contribute zero but stay in the denominator.
type LandmarkUVLoss struct {
	elem    ElementLoss
	classUV [][]float32 // canonical (u, v) pairs per class, flattened
	counts  []int       // landmarks per class
}

// NewLandmarkUVLoss creates a new sparse landmark loss. landmarkUV holds
// one (landmarks, 2) tensor of canonical UV values per class.
func NewLandmarkUVLoss(elem ElementLoss, landmarkUV []*tensor.Tensor) (*LandmarkUVLoss, error) {
	if elem == nil {
		return nil, fmt.Errorf("element loss cannot be nil")
	}
	if len(landmarkUV) == 0 {
		return nil, fmt.Errorf("at least one class of canonical UV values is required")
	}

	classUV := make([][]float32, len(landmarkUV))
	counts := make([]int, len(landmarkUV))
	for c, values := range landmarkUV {
		if values == nil {
			return nil, fmt.Errorf("canonical UV values for class %d cannot be nil", c)
		}
		if values.DType != tensor.Float32 {
			return nil, fmt.Errorf("canonical UV values for class %d must be Float32, got %s", c, values.DType)
		}
		if len(values.Shape) != 2 || values.Shape[1] != 2 {
			return nil, fmt.Errorf("canonical UV values for class %d must have shape (landmarks, 2), got %v", c, values.Shape)
		}
		data := values.Data.([]float32)
		classUV[c] = append([]float32(nil), data...)
		counts[c] = values.Shape[0]
	}

	return &LandmarkUVLoss{elem: elem, classUV: classUV, counts: counts}, nil
}

// NumLandmarks returns the total landmark count across all classes.
func (l *LandmarkUVLoss) NumLandmarks() int {
	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}

// Forward computes the per-class loss matrix of shape (batch, classes).
// Landmarks are given in pixel coordinates as (x, y) pairs.
func (l *LandmarkUVLoss) Forward(uvHat, landmarks *tensor.Tensor) (*tensor.Tensor, error) {
	if uvHat == nil || landmarks == nil {
		return nil, fmt.Errorf("UV map and landmarks cannot be nil")
	}
	if uvHat.DType != tensor.Float32 || landmarks.DType != tensor.Float32 {
		return nil, fmt.Errorf("landmark loss requires Float32 tensors, got %s and %s", uvHat.DType, landmarks.DType)
	}
	if len(uvHat.Shape) != 5 || uvHat.Shape[2] != 2 {
		return nil, fmt.Errorf("UV map must have shape (batch, classes, 2, height, width), got %v", uvHat.Shape)
	}
	if uvHat.Shape[1] != len(l.counts) {
		return nil, fmt.Errorf("UV map has %d classes but %d classes of canonical values were configured", uvHat.Shape[1], len(l.counts))
	}
	if uvHat.Shape[3] < 2 || uvHat.Shape[4] < 2 {
		return nil, fmt.Errorf("UV map spatial dimensions must be at least 2x2, got %dx%d", uvHat.Shape[3], uvHat.Shape[4])
	}
	if len(landmarks.Shape) != 3 || landmarks.Shape[2] != 2 {
		return nil, fmt.Errorf("landmarks must have shape (batch, landmarks, 2), got %v", landmarks.Shape)
	}
	if landmarks.Shape[0] != uvHat.Shape[0] {
		return nil, fmt.Errorf("batch size mismatch: UV map %d vs landmarks %d", uvHat.Shape[0], landmarks.Shape[0])
	}
	if landmarks.Shape[1] != l.NumLandmarks() {
		return nil, fmt.Errorf("landmark count mismatch: expected %d, got %d", l.NumLandmarks(), landmarks.Shape[1])
	}

	hasNaN, err := tensor.HasNaN(uvHat)
	if err != nil {
		return nil, err
	}
	if hasNaN {
		return nil, fmt.Errorf("predicted UV map contains NaN")
	}

	op := &landmarkUVOp{elem: l.elem, classUV: l.classUV, counts: l.counts}
	return op.Forward(uvHat, landmarks), nil
}

// landmarkUVOp is the fused forward/backward pair behind LandmarkUVLoss
type landmarkUVOp struct {
	inputs  []*tensor.Tensor
	elem    ElementLoss
	classUV [][]float32
	counts  []int
}

func (op *landmarkUVOp) Inputs() []*tensor.Tensor { return op.inputs }

// normalizedLandmark maps a pixel coordinate to [-1, 1] where the corners
// of the image land exactly on the interval ends.
func normalizedLandmark(x, y float32, height, width int) (float32, float32) {
	xn := 2*x/float32(width-1) - 1
	yn := 2*y/float32(height-1) - 1
	return xn, yn
}

// classOutside computes the out-of-bounds flags for one class span and
// whether every landmark of the class is outside for the whole batch.
func classOutside(lmData []float32, batch, numLandmarks, start, count, height, width int) ([]bool, bool) {
	outside := make([]bool, batch*count)
	all := true
	for b := 0; b < batch; b++ {
		for n := 0; n < count; n++ {
			idx := (b*numLandmarks + start + n) * 2
			xn, yn := normalizedLandmark(lmData[idx], lmData[idx+1], height, width)
			out := xn < -1 || xn > 1 || yn < -1 || yn > 1
			outside[b*count+n] = out
			if !out {
				all = false
			}
		}
	}
	return outside, all
}

func (op *landmarkUVOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("landmarkUVOp requires exactly 2 inputs")
	}

	uvHat, landmarks := inputs[0], inputs[1]
	op.inputs = inputs

	batch, classes := uvHat.Shape[0], uvHat.Shape[1]
	height, width := uvHat.Shape[3], uvHat.Shape[4]
	planeSize := height * width
	numLandmarks := landmarks.Shape[1]

	predData := uvHat.Data.([]float32)
	lmData := landmarks.Data.([]float32)

	lossData := make([]float32, batch*classes)

	start := 0
	for c := 0; c < classes; c++ {
		count := op.counts[c]
		outside, allOutside := classOutside(lmData, batch, numLandmarks, start, count, height, width)
		if allOutside {
			// No landmark of this class is visible anywhere in the batch
			start += count
			continue
		}

		for b := 0; b < batch; b++ {
			uBase := (b*classes + c) * 2 * planeSize
			vBase := uBase + planeSize

			sum := 0.0
			for n := 0; n < count; n++ {
				var predU, predV, gtU, gtV float32
				if !outside[b*count+n] {
					idx := (b*numLandmarks + start + n) * 2
					xn, yn := normalizedLandmark(lmData[idx], lmData[idx+1], height, width)
					ix := (xn + 1) / 2 * float32(width-1)
					iy := (yn + 1) / 2 * float32(height-1)

					predU, _ = tensor.SampleBilinear(predData[uBase:uBase+planeSize], height, width, ix, iy)
					predV, _ = tensor.SampleBilinear(predData[vBase:vBase+planeSize], height, width, ix, iy)
					gtU = op.classUV[c][2*n]
					gtV = op.classUV[c][2*n+1]
				}
				sum += float64(op.elem.Value(predU, gtU)) + float64(op.elem.Value(predV, gtV))
			}
			lossData[b*classes+c] = float32(sum / float64(count*2))
		}
		start += count
	}

	result, err := tensor.NewTensor([]int{batch, classes}, tensor.Float32, uvHat.Device, lossData)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	tensor.AttachOp(result, op, uvHat, landmarks)

	return result
}

func (op *landmarkUVOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	uvHat, landmarks := op.inputs[0], op.inputs[1]
	upstream := gradOut.Data.([]float32)

	grad, err := tensor.Zeros(uvHat.Shape, tensor.Float32, uvHat.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	batch, classes := uvHat.Shape[0], uvHat.Shape[1]
	height, width := uvHat.Shape[3], uvHat.Shape[4]
	planeSize := height * width
	numLandmarks := landmarks.Shape[1]

	predData := uvHat.Data.([]float32)
	lmData := landmarks.Data.([]float32)
	gradData := grad.Data.([]float32)

	start := 0
	for c := 0; c < classes; c++ {
		count := op.counts[c]
		outside, allOutside := classOutside(lmData, batch, numLandmarks, start, count, height, width)
		if allOutside {
			start += count
			continue
		}

		for b := 0; b < batch; b++ {
			uBase := (b*classes + c) * 2 * planeSize
			vBase := uBase + planeSize
			scale := upstream[b*classes+c] / float32(count*2)

			for n := 0; n < count; n++ {
				if outside[b*count+n] {
					continue
				}

				idx := (b*numLandmarks + start + n) * 2
				xn, yn := normalizedLandmark(lmData[idx], lmData[idx+1], height, width)
				ix := (xn + 1) / 2 * float32(width-1)
				iy := (yn + 1) / 2 * float32(height-1)

				predU, _ := tensor.SampleBilinear(predData[uBase:uBase+planeSize], height, width, ix, iy)
				predV, _ := tensor.SampleBilinear(predData[vBase:vBase+planeSize], height, width, ix, iy)

				dU := op.elem.Deriv(predU, op.classUV[c][2*n]) * scale
				dV := op.elem.Deriv(predV, op.classUV[c][2*n+1]) * scale

				scatterBilinear(gradData[uBase:uBase+planeSize], height, width, ix, iy, dU)
				scatterBilinear(gradData[vBase:vBase+planeSize], height, width, ix, iy, dV)
			}
		}
		start += count
	}

	return []*tensor.Tensor{grad, nil}
}

// scatterBilinear distributes a gradient value onto the four pixels that
// contributed to a bilinear sample at (x, y). Out-of-bounds corners were
// read as zero padding and receive nothing.
func scatterBilinear(plane []float32, height, width int, x, y, value float32) {
	x0 := int(math.Floor(float64(x)))
	y0 := int(math.Floor(float64(y)))
	wx := x - float32(x0)
	wy := y - float32(y0)

	add := func(px, py int, weight float32) {
		if px < 0 || px >= width || py < 0 || py >= height || weight == 0 {
			return
		}
		plane[py*width+px] += weight * value
	}

	add(x0, y0, (1-wx)*(1-wy))
	add(x0+1, y0, wx*(1-wy))
	add(x0, y0+1, (1-wx)*wy)
	add(x0+1, y0+1, wx*wy)
}

// TotalVariation penalizes spatial roughness of the predicted UV map
// inside the segmentation mask. The gradient magnitude of each UV channel
// is averaged, squared, masked and normalized per (batch, class) cell by
// the mask area.
type TotalVariation struct{}

// NewTotalVariation creates a new total variation penalty
func NewTotalVariation() *TotalVariation {
	return &TotalVariation{}
}

// Forward computes the per-class penalty matrix of shape (batch, classes)
func (tv *TotalVariation) Forward(uv, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if uv == nil || mask == nil {
		return nil, fmt.Errorf("UV map and mask cannot be nil")
	}
	if uv.DType != tensor.Float32 {
		return nil, fmt.Errorf("total variation requires a Float32 UV map, got %s", uv.DType)
	}
	if mask.DType != tensor.Bool {
		return nil, fmt.Errorf("total variation requires a Bool mask, got %s", mask.DType)
	}
	if len(uv.Shape) != 5 || uv.Shape[2] != 2 {
		return nil, fmt.Errorf("UV map must have shape (batch, classes, 2, height, width), got %v", uv.Shape)
	}
	if len(mask.Shape) != 4 || mask.Shape[0] != uv.Shape[0] || mask.Shape[1] != uv.Shape[1] ||
		mask.Shape[2] != uv.Shape[3] || mask.Shape[3] != uv.Shape[4] {
		return nil, fmt.Errorf("mask shape %v does not match UV map %v", mask.Shape, uv.Shape)
	}
	if uv.Shape[3] < 2 || uv.Shape[4] < 2 {
		return nil, fmt.Errorf("spatial gradients need at least 2x2 maps, got %dx%d", uv.Shape[3], uv.Shape[4])
	}

	op := &totalVariationOp{}
	return op.Forward(uv, mask), nil
}

// totalVariationOp is the fused forward/backward pair behind TotalVariation
type totalVariationOp struct {
	inputs []*tensor.Tensor
}

func (op *totalVariationOp) Inputs() []*tensor.Tensor { return op.inputs }

// spatialGradients computes central differences with one-sided edges for
// one plane, along both spatial axes.
func spatialGradients(plane []float32, height, width int) (gh, gw []float32) {
	gh = make([]float32, height*width)
	gw = make([]float32, height*width)

	for h := 0; h < height; h++ {
		for w := 0; w < width; w++ {
			i := h*width + w

			switch h {
			case 0:
				gh[i] = plane[width+w] - plane[w]
			case height - 1:
				gh[i] = plane[i] - plane[i-width]
			default:
				gh[i] = (plane[i+width] - plane[i-width]) / 2
			}

			switch w {
			case 0:
				gw[i] = plane[h*width+1] - plane[h*width]
			case width - 1:
				gw[i] = plane[i] - plane[i-1]
			default:
				gw[i] = (plane[i+1] - plane[i-1]) / 2
			}
		}
	}

	return gh, gw
}

// accumulateGradientAdjoint routes the chain value c of a difference
// gradient at position i back onto the source plane.
func accumulateGradientAdjoint(dst []float32, height, width int, cgh, cgw []float32) {
	for h := 0; h < height; h++ {
		for w := 0; w < width; w++ {
			i := h*width + w

			if c := cgh[i]; c != 0 {
				switch h {
				case 0:
					dst[width+w] += c
					dst[w] -= c
				case height - 1:
					dst[i] += c
					dst[i-width] -= c
				default:
					dst[i+width] += c / 2
					dst[i-width] -= c / 2
				}
			}

			if c := cgw[i]; c != 0 {
				switch w {
				case 0:
					dst[h*width+1] += c
					dst[h*width] -= c
				case width - 1:
					dst[i] += c
					dst[i-1] -= c
				default:
					dst[i+1] += c / 2
					dst[i-1] -= c / 2
				}
			}
		}
	}
}

func (op *totalVariationOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	if len(inputs) != 2 {
		panic("totalVariationOp requires exactly 2 inputs")
	}

	uv, mask := inputs[0], inputs[1]
	op.inputs = inputs

	batch, classes := uv.Shape[0], uv.Shape[1]
	height, width := uv.Shape[3], uv.Shape[4]
	planeSize := height * width

	uvData := uv.Data.([]float32)
	maskData := mask.Data.([]bool)

	lossData := make([]float32, batch*classes)

	for cell := 0; cell < batch*classes; cell++ {
		uBase := cell * 2 * planeSize
		vBase := uBase + planeSize
		maskBase := cell * planeSize

		ghU, gwU := spatialGradients(uvData[uBase:uBase+planeSize], height, width)
		ghV, gwV := spatialGradients(uvData[vBase:vBase+planeSize], height, width)

		sum := 0.0
		area := 0
		for p := 0; p < planeSize; p++ {
			if !maskData[maskBase+p] {
				continue
			}
			normU := math.Sqrt(float64(ghU[p]*ghU[p] + gwU[p]*gwU[p]))
			normV := math.Sqrt(float64(ghV[p]*ghV[p] + gwV[p]*gwV[p]))
			t := (normU + normV) / 2
			sum += t * t
			area++
		}
		lossData[cell] = float32(sum / float64(area+1))
	}

	result, err := tensor.NewTensor([]int{batch, classes}, tensor.Float32, uv.Device, lossData)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	tensor.AttachOp(result, op, uv, mask)

	return result
}

func (op *totalVariationOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	uv, mask := op.inputs[0], op.inputs[1]
	upstream := gradOut.Data.([]float32)

	grad, err := tensor.Zeros(uv.Shape, tensor.Float32, uv.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	batch, classes := uv.Shape[0], uv.Shape[1]
	height, width := uv.Shape[3], uv.Shape[4]
	planeSize := height * width

	uvData := uv.Data.([]float32)
	maskData := mask.Data.([]bool)
	gradData := grad.Data.([]float32)

	cghU := make([]float32, planeSize)
	cgwU := make([]float32, planeSize)
	cghV := make([]float32, planeSize)
	cgwV := make([]float32, planeSize)

	for cell := 0; cell < batch*classes; cell++ {
		uBase := cell * 2 * planeSize
		vBase := uBase + planeSize
		maskBase := cell * planeSize

		ghU, gwU := spatialGradients(uvData[uBase:uBase+planeSize], height, width)
		ghV, gwV := spatialGradients(uvData[vBase:vBase+planeSize], height, width)

		area := 0
		for p := 0; p < planeSize; p++ {
			if maskData[maskBase+p] {
				area++
			}
		}

		scale := float64(upstream[cell]) / float64(area+1)

		for p := 0; p < planeSize; p++ {
			cghU[p], cgwU[p], cghV[p], cgwV[p] = 0, 0, 0, 0
			if !maskData[maskBase+p] {
				continue
			}

			normU := math.Sqrt(float64(ghU[p]*ghU[p] + gwU[p]*gwU[p]))
			normV := math.Sqrt(float64(ghV[p]*ghV[p] + gwV[p]*gwV[p]))
			t := (normU + normV) / 2

			// d(t^2)/dt = 2t, then half of it flows into each channel norm
			chain := scale * 2 * t * 0.5

			if normU > 0 {
				cghU[p] = float32(chain * float64(ghU[p]) / normU)
				cgwU[p] = float32(chain * float64(gwU[p]) / normU)
			}
			if normV > 0 {
				cghV[p] = float32(chain * float64(ghV[p]) / normV)
				cgwV[p] = float32(chain * float64(gwV[p]) / normV)
			}
		}

		accumulateGradientAdjoint(gradData[uBase:uBase+planeSize], height, width, cghU, cgwU)
		accumulateGradientAdjoint(gradData[vBase:vBase+planeSize], height, width, cghV, cgwV)
	}

	return []*tensor.Tensor{grad, nil}
}
