package training

import (
	"fmt"
	"math"

	"github.com/densemark/uvtrain/tensor"
)

// RenderHeatmaps converts landmark pixel coordinates into one Gaussian
// heatmap per landmark. The peak value is alpha and the spread is
// controlled by std in pixels. Landmarks are (x, y) pairs.
func RenderHeatmaps(landmarks *tensor.Tensor, height, width int, std, alpha float64) (*tensor.Tensor, error) {
	if landmarks == nil {
		return nil, fmt.Errorf("landmarks cannot be nil")
	}
	if landmarks.DType != tensor.Float32 {
		return nil, fmt.Errorf("landmarks must be Float32, got %s", landmarks.DType)
	}
	if len(landmarks.Shape) != 3 || landmarks.Shape[2] != 2 {
		return nil, fmt.Errorf("landmarks must have shape (batch, landmarks, 2), got %v", landmarks.Shape)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("heatmap dimensions must be positive, got %dx%d", height, width)
	}
	if std <= 0 {
		return nil, fmt.Errorf("heatmap std must be positive, got %f", std)
	}

	batch := landmarks.Shape[0]
	numLandmarks := landmarks.Shape[1]
	lmData := landmarks.Data.([]float32)

	result, err := tensor.Zeros([]int{batch, numLandmarks, height, width}, tensor.Float32, landmarks.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create heatmap tensor: %v", err)
	}
	heatData := result.Data.([]float32)

	denom := 2 * std * std
	for b := 0; b < batch; b++ {
		for n := 0; n < numLandmarks; n++ {
			x := float64(lmData[(b*numLandmarks+n)*2])
			y := float64(lmData[(b*numLandmarks+n)*2+1])
			base := (b*numLandmarks + n) * height * width

			for h := 0; h < height; h++ {
				dy := float64(h) - y
				for w := 0; w < width; w++ {
					dx := float64(w) - x
					heatData[base+h*width+w] = float32(alpha * math.Exp(-(dx*dx+dy*dy)/denom))
				}
			}
		}
	}

	return result, nil
}

// ExtractKeypoints locates the peak of every heatmap and returns its
// (x, y) pixel coordinates. When multiple pixels share the maximum value
// the first one in row-major order wins.
func ExtractKeypoints(heatmaps *tensor.Tensor) (*tensor.Tensor, error) {
	if heatmaps == nil {
		return nil, fmt.Errorf("heatmaps cannot be nil")
	}
	if heatmaps.DType != tensor.Float32 {
		return nil, fmt.Errorf("heatmaps must be Float32, got %s", heatmaps.DType)
	}
	if len(heatmaps.Shape) != 4 {
		return nil, fmt.Errorf("heatmaps must have shape (batch, landmarks, height, width), got %v", heatmaps.Shape)
	}

	batch := heatmaps.Shape[0]
	numLandmarks := heatmaps.Shape[1]
	height, width := heatmaps.Shape[2], heatmaps.Shape[3]
	planeSize := height * width
	heatData := heatmaps.Data.([]float32)

	coords := make([]float32, batch*numLandmarks*2)
	for b := 0; b < batch; b++ {
		for n := 0; n < numLandmarks; n++ {
			base := (b*numLandmarks + n) * planeSize

			best := heatData[base]
			bestIdx := 0
			for p := 1; p < planeSize; p++ {
				if heatData[base+p] > best {
					best = heatData[base+p]
					bestIdx = p
				}
			}

			coords[(b*numLandmarks+n)*2] = float32(bestIdx % width)
			coords[(b*numLandmarks+n)*2+1] = float32(bestIdx / width)
		}
	}

	return tensor.NewTensor([]int{batch, numLandmarks, 2}, tensor.Float32, heatmaps.Device, coords)
}

// TRE computes the target registration error in millimeters: the Euclidean
// pixel distance between predicted and true landmark positions scaled by
// the physical pixel size.
func TRE(predicted, target *tensor.Tensor, pixelResolutionMM float64) (*tensor.Tensor, error) {
	if predicted == nil || target == nil {
		return nil, fmt.Errorf("landmark tensors cannot be nil")
	}
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return nil, fmt.Errorf("TRE requires Float32 tensors, got %s and %s", predicted.DType, target.DType)
	}
	if len(predicted.Shape) != 3 || predicted.Shape[2] != 2 {
		return nil, fmt.Errorf("landmarks must have shape (batch, landmarks, 2), got %v", predicted.Shape)
	}
	if len(target.Shape) != 3 || target.Shape[0] != predicted.Shape[0] ||
		target.Shape[1] != predicted.Shape[1] || target.Shape[2] != 2 {
		return nil, fmt.Errorf("landmark shapes must match: %v vs %v", predicted.Shape, target.Shape)
	}
	if pixelResolutionMM <= 0 {
		return nil, fmt.Errorf("pixel resolution must be positive, got %f", pixelResolutionMM)
	}

	batch := predicted.Shape[0]
	numLandmarks := predicted.Shape[1]
	predData := predicted.Data.([]float32)
	targetData := target.Data.([]float32)

	errors := make([]float32, batch*numLandmarks)
	for i := 0; i < batch*numLandmarks; i++ {
		dx := float64(predData[i*2] - targetData[i*2])
		dy := float64(predData[i*2+1] - targetData[i*2+1])
		errors[i] = float32(math.Sqrt(dx*dx+dy*dy) * pixelResolutionMM)
	}

	return tensor.NewTensor([]int{batch, numLandmarks}, tensor.Float32, predicted.Device, errors)
}
