package training

import (
	"fmt"
	"strings"

	"github.com/densemark/uvtrain/tensor"
)

// Mode selects the phase an epoch runs in. Training enables gradient
// recording and optimizer steps; validation and test run inference only.
type Mode int

const (
	ModeTrain Mode = iota
	ModeVal
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeVal:
		return "val"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "train":
		return ModeTrain, nil
	case "val", "valid", "validation":
		return ModeVal, nil
	case "test":
		return ModeTest, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: expected train, val or test", s)
	}
}

// Supervision selects how the UV objective is assembled. Dense supervision
// averages the pixel-wise regression loss with the landmark loss; sparse
// supervision uses the landmark loss alone.
type Supervision int

const (
	SupervisionDense Supervision = iota
	SupervisionSparse
)

func (s Supervision) String() string {
	switch s {
	case SupervisionDense:
		return "dense"
	case SupervisionSparse:
		return "sparse"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ParseSupervision converts a supervision name into a Supervision.
func ParseSupervision(s string) (Supervision, error) {
	switch strings.ToLower(s) {
	case "dense":
		return SupervisionDense, nil
	case "sparse":
		return SupervisionSparse, nil
	default:
		return 0, fmt.Errorf("unknown supervision %q: expected dense or sparse", s)
	}
}

// LossWeights holds the scalar weights of the composed training objective.
type LossWeights struct {
	BCE float64 // segmentation term
	UV  float64 // UV regression and landmark terms
	TV  float64 // total variation smoothness term
}

// AnyActive reports whether at least one weight is non-zero.
func (w LossWeights) AnyActive() bool {
	return w.BCE != 0 || w.UV != 0 || w.TV != 0
}

// DatasetInfo describes the labeled structures of a dataset: how many
// classes it annotates, their display names, how many landmarks each class
// carries and the physical size of a pixel.
type DatasetInfo struct {
	NumClasses        int
	ClassLabels       []string
	LandmarksPerClass []int
	PixelResolutionMM float64
}

// Validate checks that the per-class metadata is consistent.
func (info DatasetInfo) Validate() error {
	if info.NumClasses <= 0 {
		return fmt.Errorf("dataset must have at least one class, got %d", info.NumClasses)
	}
	if len(info.ClassLabels) != info.NumClasses {
		return fmt.Errorf("class label count mismatch: %d labels for %d classes", len(info.ClassLabels), info.NumClasses)
	}
	if len(info.LandmarksPerClass) != info.NumClasses {
		return fmt.Errorf("landmark count mismatch: %d entries for %d classes", len(info.LandmarksPerClass), info.NumClasses)
	}
	for c, n := range info.LandmarksPerClass {
		if n <= 0 {
			return fmt.Errorf("class %d must have at least one landmark, got %d", c, n)
		}
	}
	if info.PixelResolutionMM <= 0 {
		return fmt.Errorf("pixel resolution must be positive, got %f", info.PixelResolutionMM)
	}
	return nil
}

// NumLandmarks returns the total landmark count across all classes.
func (info DatasetInfo) NumLandmarks() int {
	total := 0
	for _, n := range info.LandmarksPerClass {
		total += n
	}
	return total
}

// ClassRanges returns the half-open [start, end) landmark index range of
// each class, in class order.
func (info DatasetInfo) ClassRanges() [][2]int {
	ranges := make([][2]int, len(info.LandmarksPerClass))
	start := 0
	for c, n := range info.LandmarksPerClass {
		ranges[c] = [2]int{start, start + n}
		start += n
	}
	return ranges
}

// Model is the trainable surface shared by every network the epoch
// drivers run.
type Model interface {
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// UVModel predicts segmentation logits (B, C, H, W) and a dense UV
// correspondence map (B, C, 2, H, W) from a batch of images.
type UVModel interface {
	Model
	Forward(images *tensor.Tensor) (seg *tensor.Tensor, uv *tensor.Tensor, err error)
}

// HeatmapModel predicts one heatmap per landmark (B, N, H, W) from a
// batch of images.
type HeatmapModel interface {
	Model
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
}

// HeatmapSegModel predicts landmark heatmaps (B, N, H, W) together with
// segmentation logits (B, C, H, W).
type HeatmapSegModel interface {
	Model
	Forward(images *tensor.Tensor) (heatmaps *tensor.Tensor, seg *tensor.Tensor, err error)
}

// Augmenter transforms a batch before the forward pass. Implementations
// must apply the same spatial transform to images, segmentation masks, UV
// maps and landmark coordinates.
type Augmenter interface {
	Augment(batch *Batch) (*Batch, error)
}

// Reporter receives per-epoch metrics. Implementations decide where the
// values go: a run directory, the console or a remote sink.
type Reporter interface {
	ReportScalar(title, series string, iteration int, value float64)
	ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string)
}

// NopReporter discards every report. It stands in when no reporter is
// configured so the epoch drivers never have to nil-check.
type NopReporter struct{}

func (NopReporter) ReportScalar(title, series string, iteration int, value float64) {}

func (NopReporter) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
}
