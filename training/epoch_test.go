package training

import (
	"math"
	"testing"

	"github.com/densemark/uvtrain/tensor"
)

// recordingReporter captures report calls for assertions
type recordingReporter struct {
	scalars    map[string]float64
	series     map[string]string
	histograms map[string][]float64
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		scalars:    make(map[string]float64),
		series:     make(map[string]string),
		histograms: make(map[string][]float64),
	}
}

func (r *recordingReporter) ReportScalar(title, series string, iteration int, value float64) {
	r.scalars[title] = value
	r.series[title] = series
}

func (r *recordingReporter) ReportHistogram(title, series string, iteration int, values []float64, labels []string, xaxis, yaxis string) {
	r.histograms[title] = values
}

func (r *recordingReporter) expectScalars(t *testing.T, titles ...string) {
	t.Helper()
	if len(r.scalars) != len(titles) {
		t.Errorf("Expected %d scalar titles, got %d: %v", len(titles), len(r.scalars), r.scalars)
	}
	for _, title := range titles {
		if _, ok := r.scalars[title]; !ok {
			t.Errorf("Expected scalar report %q", title)
		}
	}
}

// constUVModel returns preset predictions regardless of input
type constUVModel struct {
	seg          *tensor.Tensor
	uv           *tensor.Tensor
	params       []*tensor.Tensor
	training     bool
	forwardCalls int
}

func (m *constUVModel) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	m.forwardCalls++
	return m.seg, m.uv, nil
}
func (m *constUVModel) Parameters() []*tensor.Tensor { return m.params }
func (m *constUVModel) Train()                       { m.training = true }
func (m *constUVModel) Eval()                        { m.training = false }
func (m *constUVModel) IsTraining() bool             { return m.training }

// countingAugmenter counts calls and optionally substitutes a fixed batch
type countingAugmenter struct {
	calls   int
	produce *Batch
}

func (a *countingAugmenter) Augment(batch *Batch) (*Batch, error) {
	a.calls++
	if a.produce != nil {
		return a.produce, nil
	}
	return batch, nil
}

// uvTestInfo describes a single-structure dataset with one landmark
func uvTestInfo() DatasetInfo {
	return DatasetInfo{
		NumClasses:        1,
		ClassLabels:       []string{"lung"},
		LandmarksPerClass: []int{1},
		PixelResolutionMM: 1.0,
	}
}

// uvTestLoader yields one fully supervised 2x2 sample. The UV planes carry
// U = [0.0 0.2 0.4 0.6] and V = [0.1 0.3 0.5 0.7] with the landmark at (0,0).
func uvTestLoader(t *testing.T) *DataLoader {
	t.Helper()
	image, err := tensor.Zeros([]int{1, 2, 2}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	landmarks, err := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{0, 0})
	if err != nil {
		t.Fatalf("Failed to create landmarks: %v", err)
	}
	seg, err := tensor.Full([]int{1, 2, 2}, float32(1.0), tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create segmentation: %v", err)
	}
	uv, err := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, tensor.CPU,
		[]float32{0.0, 0.2, 0.4, 0.6, 0.1, 0.3, 0.5, 0.7})
	if err != nil {
		t.Fatalf("Failed to create UV map: %v", err)
	}

	dataset, err := NewSliceDataset([]*Sample{{Image: image, Landmarks: landmarks, Seg: seg, UV: uv}})
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	loader, err := NewDataLoader(dataset, 1, false, 1)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	return loader
}

// uvTestCanonical returns canonical UV (0.5, 0.6) for the single landmark
func uvTestCanonical(t *testing.T) []*tensor.Tensor {
	t.Helper()
	canonical, err := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{0.5, 0.6})
	if err != nil {
		t.Fatalf("Failed to create canonical UV values: %v", err)
	}
	return []*tensor.Tensor{canonical}
}

// uvTestModel predicts zero segmentation logits and flat UV planes at
// U=0.1, V=0.3. Against the loader fixture that gives exactly
// bce=ln2, reg=0.2, lm=0.35, tv=0.
func uvTestModel(t *testing.T) *constUVModel {
	t.Helper()
	seg, err := tensor.Zeros([]int{1, 1, 2, 2}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create seg output: %v", err)
	}
	uv, err := tensor.NewTensor([]int{1, 1, 2, 2, 2}, tensor.Float32, tensor.CPU,
		[]float32{0.1, 0.1, 0.1, 0.1, 0.3, 0.3, 0.3, 0.3})
	if err != nil {
		t.Fatalf("Failed to create UV output: %v", err)
	}
	return &constUVModel{seg: seg, uv: uv}
}

func TestRunUVEpoch(t *testing.T) {
	ln2 := math.Log(2)

	t.Run("Dense validation epoch composes the documented blend", func(t *testing.T) {
		reporter := newRecordingReporter()
		stats, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{BCE: 1, UV: 1, TV: 1},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Reporter:    reporter,
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		// loss = bce + (reg+lm)/2 + tv = ln2 + 0.275 + 0
		check := func(name string, got, expected float64) {
			t.Helper()
			if math.Abs(got-expected) > 1e-5 {
				t.Errorf("%s: expected %f, got %f", name, expected, got)
			}
		}
		check("Loss", stats.Loss, ln2+0.275)
		check("BCE", stats.BCE, ln2)
		check("UVLoss", stats.UVLoss, 0.275)
		check("RegressionUV", stats.RegressionUV, 0.2)
		check("LandmarkUV", stats.LandmarkUV, 0.35)
		check("Dice", stats.Dice, 0)
		check("UVL1", stats.UVL1, 0.2)
		check("TV", stats.TV, 0)

		if reporter.series["Loss"] != "val" {
			t.Errorf("Expected series val, got %q", reporter.series["Loss"])
		}
	})

	t.Run("Loss weights scale their terms", func(t *testing.T) {
		stats, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{BCE: 2, UV: 4, TV: 0.5},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		// loss = 2*ln2 + 4*(0.2+0.35)/2 + 0.5*0 = 2*ln2 + 1.1
		if math.Abs(stats.Loss-(2*ln2+1.1)) > 1e-5 {
			t.Errorf("Expected weighted loss %f, got %f", 2*ln2+1.1, stats.Loss)
		}
		// The combined UV term is stored weighted, the raw terms are not
		if math.Abs(stats.UVLoss-1.1) > 1e-5 {
			t.Errorf("Expected weighted UV term 1.1, got %f", stats.UVLoss)
		}
		if math.Abs(stats.BCE-ln2) > 1e-5 {
			t.Errorf("Expected raw BCE %f, got %f", ln2, stats.BCE)
		}
		if math.Abs(stats.RegressionUV-0.2) > 1e-5 {
			t.Errorf("Expected raw regression term 0.2, got %f", stats.RegressionUV)
		}
	})

	t.Run("Sparse supervision drops the dense term from the objective only", func(t *testing.T) {
		stats, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionSparse,
			Weights:     LossWeights{BCE: 1, UV: 1},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		// loss = ln2 + lm, without the dense regression half
		if math.Abs(stats.Loss-(ln2+0.35)) > 1e-5 {
			t.Errorf("Expected sparse loss %f, got %f", ln2+0.35, stats.Loss)
		}
		if math.Abs(stats.UVLoss-0.35) > 1e-5 {
			t.Errorf("Expected UV term 0.35, got %f", stats.UVLoss)
		}
		// The dense term is still tracked for monitoring
		if math.Abs(stats.RegressionUV-0.2) > 1e-5 {
			t.Errorf("Expected monitored regression term 0.2, got %f", stats.RegressionUV)
		}
	})

	t.Run("All-zero weights fail before any batch is touched", func(t *testing.T) {
		model := uvTestModel(t)
		_, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{},
			Loader:      uvTestLoader(t),
			Model:       model,
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err == nil {
			t.Fatal("Expected error for all-zero loss weights")
		}
		if model.forwardCalls != 0 {
			t.Errorf("Expected no forward calls, got %d", model.forwardCalls)
		}
	})

	t.Run("Configuration validation", func(t *testing.T) {
		base := func() UVEpochConfig {
			return UVEpochConfig{
				Mode:        ModeVal,
				Supervision: SupervisionDense,
				Weights:     LossWeights{BCE: 1},
				Loader:      uvTestLoader(t),
				Model:       uvTestModel(t),
				Info:        uvTestInfo(),
			}
		}

		cfg := base()
		cfg.Loader = nil
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for nil loader")
		}

		cfg = base()
		cfg.Model = nil
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for nil model")
		}

		cfg = base()
		cfg.Mode = Mode(99)
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for unknown mode")
		}

		cfg = base()
		cfg.Supervision = Supervision(42)
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for unknown supervision")
		}

		cfg = base()
		cfg.Mode = ModeTrain
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for train mode without optimizer")
		}

		cfg = base()
		cfg.Info.NumClasses = 0
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for invalid dataset info")
		}

		// Active UV weight needs canonical values for every class
		cfg = base()
		cfg.Weights = LossWeights{UV: 1}
		if _, err := RunUVEpoch(cfg); err == nil {
			t.Error("Expected error for missing canonical UV values")
		}
	})

	t.Run("Segmentation-only epoch reports just its metrics", func(t *testing.T) {
		reporter := newRecordingReporter()
		_, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{BCE: 1},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Reporter:    reporter,
			Info:        uvTestInfo(),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		reporter.expectScalars(t, "Loss", "BCE", "Dice")
		if _, ok := reporter.histograms["Dice"]; !ok {
			t.Error("Expected Dice histogram")
		}
		if _, ok := reporter.histograms["UV L1"]; ok {
			t.Error("Did not expect UV reports for a zero UV weight")
		}
	})

	t.Run("UV-only epoch reports the full UV set", func(t *testing.T) {
		reporter := newRecordingReporter()
		_, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{UV: 1},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Reporter:    reporter,
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		reporter.expectScalars(t, "Loss", "UV Loss", "UV L1", "TV Loss",
			"Regression UV Loss", "Landmark UV Loss")
		if _, ok := reporter.histograms["UV L1"]; !ok {
			t.Error("Expected UV L1 histogram")
		}
		if _, ok := reporter.histograms["TV Loss"]; !ok {
			t.Error("Expected TV Loss histogram")
		}
	})

	t.Run("Smoothness-only epoch omits the per-term UV lines", func(t *testing.T) {
		reporter := newRecordingReporter()
		_, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{TV: 1},
			Loader:      uvTestLoader(t),
			Model:       uvTestModel(t),
			Reporter:    reporter,
			Info:        uvTestInfo(),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		reporter.expectScalars(t, "Loss", "UV Loss", "UV L1", "TV Loss")
		if _, ok := reporter.scalars["Regression UV Loss"]; ok {
			t.Error("Did not expect the regression line for a zero UV weight")
		}
	})

	t.Run("Train mode augments, re-masks bled UV values and steps the optimizer", func(t *testing.T) {
		// The substituted batch carries UV values that spill outside the
		// warped mask, as a resampled map would.
		images, _ := tensor.Zeros([]int{1, 1, 2, 2}, tensor.Float32, tensor.CPU)
		landmarks, _ := tensor.NewTensor([]int{1, 1, 2}, tensor.Float32, tensor.CPU, []float32{0, 0})
		seg, err := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, tensor.CPU,
			[]float32{1, 1, 1, 0})
		if err != nil {
			t.Fatalf("Failed to create segmentation: %v", err)
		}
		uv, err := tensor.NewTensor([]int{1, 1, 2, 2, 2}, tensor.Float32, tensor.CPU,
			[]float32{0.1, 0.1, 0.1, 999, 0.3, 0.3, 0.3, 999})
		if err != nil {
			t.Fatalf("Failed to create UV map: %v", err)
		}
		augmenter := &countingAugmenter{
			produce: &Batch{Images: images, Landmarks: landmarks, Seg: seg, UV: uv, Size: 1},
		}

		model := uvTestModel(t)
		model.seg.SetRequiresGrad(true)
		model.uv.SetRequiresGrad(true)
		model.params = []*tensor.Tensor{model.seg, model.uv}

		optimizer, err := NewSGD(model.params, SGDConfig{LearningRate: 0.01})
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		stats, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeTrain,
			Supervision: SupervisionDense,
			Weights:     LossWeights{BCE: 1, UV: 1},
			Loader:      uvTestLoader(t),
			Model:       model,
			Optimizer:   optimizer,
			Augmenter:   augmenter,
			Info:        uvTestInfo(),
			LandmarkUV:  uvTestCanonical(t),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		if augmenter.calls != 1 {
			t.Errorf("Expected 1 augmentation call, got %d", augmenter.calls)
		}
		if !model.IsTraining() {
			t.Error("Expected the model in training mode")
		}
		// The bled 999 values sit outside the mask. With re-masking the
		// prediction matches the remaining ground truth exactly.
		if stats.RegressionUV > 1e-4 {
			t.Errorf("Expected masked regression term near zero, got %f", stats.RegressionUV)
		}
		// BCE gradients must have reached the segmentation output
		segData := model.seg.Data.([]float32)
		moved := false
		for _, v := range segData {
			if v != 0 {
				moved = true
			}
		}
		if !moved {
			t.Error("Expected the optimizer step to move the segmentation parameters")
		}
	})

	t.Run("Validation leaves the augmenter idle", func(t *testing.T) {
		augmenter := &countingAugmenter{}
		model := uvTestModel(t)
		model.training = true

		_, err := RunUVEpoch(UVEpochConfig{
			Mode:        ModeVal,
			Supervision: SupervisionDense,
			Weights:     LossWeights{BCE: 1},
			Loader:      uvTestLoader(t),
			Model:       model,
			Augmenter:   augmenter,
			Info:        uvTestInfo(),
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		if augmenter.calls != 0 {
			t.Errorf("Expected no augmentation calls in validation, got %d", augmenter.calls)
		}
		if model.IsTraining() {
			t.Error("Expected the model in eval mode")
		}
	})
}

// constHeatmapModel returns a preset heatmap stack
type constHeatmapModel struct {
	heatmap  *tensor.Tensor
	training bool
}

func (m *constHeatmapModel) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	return m.heatmap, nil
}
func (m *constHeatmapModel) Parameters() []*tensor.Tensor { return nil }
func (m *constHeatmapModel) Train()                       { m.training = true }
func (m *constHeatmapModel) Eval()                        { m.training = false }
func (m *constHeatmapModel) IsTraining() bool             { return m.training }

// heatmapTestInfo describes one structure with two landmarks at 2mm pixels
func heatmapTestInfo() DatasetInfo {
	return DatasetInfo{
		NumClasses:        1,
		ClassLabels:       []string{"lung"},
		LandmarksPerClass: []int{2},
		PixelResolutionMM: 2.0,
	}
}

// heatmapTestLoader yields one 4x4 sample with landmarks (2,1) and (0,3)
func heatmapTestLoader(t *testing.T) *DataLoader {
	t.Helper()
	image, err := tensor.Zeros([]int{1, 4, 4}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	landmarks, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU,
		[]float32{2, 1, 0, 3})
	if err != nil {
		t.Fatalf("Failed to create landmarks: %v", err)
	}
	seg, err := tensor.Full([]int{1, 4, 4}, float32(1.0), tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create segmentation: %v", err)
	}
	uv, err := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create UV map: %v", err)
	}

	dataset, err := NewSliceDataset([]*Sample{{Image: image, Landmarks: landmarks, Seg: seg, UV: uv}})
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	loader, err := NewDataLoader(dataset, 1, false, 1)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	return loader
}

// heatmapTestTarget renders the ground truth the epoch driver will regress
func heatmapTestTarget(t *testing.T, std float64) *tensor.Tensor {
	t.Helper()
	landmarks, err := tensor.NewTensor([]int{1, 2, 2}, tensor.Float32, tensor.CPU,
		[]float32{2, 1, 0, 3})
	if err != nil {
		t.Fatalf("Failed to create landmarks: %v", err)
	}
	target, err := RenderHeatmaps(landmarks, 4, 4, std, DefaultHeatmapAlpha)
	if err != nil {
		t.Fatalf("Failed to render heatmaps: %v", err)
	}
	return target
}

func TestRunHeatmapEpoch(t *testing.T) {
	t.Run("Perfect prediction scores zero loss and zero TRE", func(t *testing.T) {
		reporter := newRecordingReporter()
		model := &constHeatmapModel{heatmap: heatmapTestTarget(t, 1.0)}

		stats, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode:       ModeVal,
			Loader:     heatmapTestLoader(t),
			Model:      model,
			Reporter:   reporter,
			Info:       heatmapTestInfo(),
			HeatmapStd: 1.0,
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		if stats.Loss > 1e-9 {
			t.Errorf("Expected zero loss, got %g", stats.Loss)
		}
		if stats.TRE > 1e-9 {
			t.Errorf("Expected zero TRE, got %g", stats.TRE)
		}

		reporter.expectScalars(t, "Loss", "TRE [mm]")
		if _, ok := reporter.histograms["TRE [mm]"]; !ok {
			t.Error("Expected TRE histogram")
		}
	})

	t.Run("Flat prediction leaves all peaks at the origin", func(t *testing.T) {
		flat, err := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, tensor.CPU)
		if err != nil {
			t.Fatalf("Failed to create heatmaps: %v", err)
		}
		model := &constHeatmapModel{heatmap: flat}

		stats, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode:       ModeVal,
			Loader:     heatmapTestLoader(t),
			Model:      model,
			Info:       heatmapTestInfo(),
			HeatmapStd: 1.0,
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		// Peaks collapse to (0,0): distances sqrt(5) and 3 pixels at 2mm
		expected := (math.Sqrt(5)*2 + 3*2) / 2
		if math.Abs(stats.TRE-expected) > 1e-5 {
			t.Errorf("Expected TRE %f, got %f", expected, stats.TRE)
		}
		if len(stats.TREPerClass) != 1 || math.Abs(stats.TREPerClass[0]-expected) > 1e-5 {
			t.Errorf("Expected per-class TRE %f, got %v", expected, stats.TREPerClass)
		}
		if stats.Loss <= 0 {
			t.Errorf("Expected positive loss against Gaussian targets, got %g", stats.Loss)
		}
	})

	t.Run("Configuration validation", func(t *testing.T) {
		model := &constHeatmapModel{}

		if _, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode: ModeVal, Model: model, Info: heatmapTestInfo(),
		}); err == nil {
			t.Error("Expected error for nil loader")
		}

		if _, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode: ModeVal, Loader: heatmapTestLoader(t), Info: heatmapTestInfo(),
		}); err == nil {
			t.Error("Expected error for nil model")
		}

		if _, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode: ModeTrain, Loader: heatmapTestLoader(t), Model: model, Info: heatmapTestInfo(),
		}); err == nil {
			t.Error("Expected error for train mode without optimizer")
		}

		bad := heatmapTestInfo()
		bad.PixelResolutionMM = 0
		if _, err := RunHeatmapEpoch(HeatmapEpochConfig{
			Mode: ModeVal, Loader: heatmapTestLoader(t), Model: model, Info: bad,
		}); err == nil {
			t.Error("Expected error for invalid dataset info")
		}
	})
}

// constHeatmapSegModel returns preset heatmaps and segmentation logits
type constHeatmapSegModel struct {
	heatmap  *tensor.Tensor
	seg      *tensor.Tensor
	training bool
}

func (m *constHeatmapSegModel) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return m.heatmap, m.seg, nil
}
func (m *constHeatmapSegModel) Parameters() []*tensor.Tensor { return nil }
func (m *constHeatmapSegModel) Train()                       { m.training = true }
func (m *constHeatmapSegModel) Eval()                        { m.training = false }
func (m *constHeatmapSegModel) IsTraining() bool             { return m.training }

func TestRunHeatmapSegEpoch(t *testing.T) {
	ln2 := math.Log(2)

	newModel := func(t *testing.T, segLogit float32) *constHeatmapSegModel {
		t.Helper()
		seg, err := tensor.Full([]int{1, 1, 4, 4}, segLogit, tensor.Float32, tensor.CPU)
		if err != nil {
			t.Fatalf("Failed to create seg output: %v", err)
		}
		return &constHeatmapSegModel{heatmap: heatmapTestTarget(t, 1.0), seg: seg}
	}

	t.Run("Mix weight blends the two objectives", func(t *testing.T) {
		// Zero logits give bce=ln2, the perfect heatmaps give mse=0
		for _, tc := range []struct {
			mix      float64
			expected float64
		}{
			{1.0, ln2},
			{0.25, 0.25 * ln2},
		} {
			stats, err := RunHeatmapSegEpoch(HeatmapSegEpochConfig{
				Mode:       ModeVal,
				Loader:     heatmapTestLoader(t),
				Model:      newModel(t, 0),
				Info:       heatmapTestInfo(),
				HeatmapStd: 1.0,
				MixWeight:  tc.mix,
			})
			if err != nil {
				t.Fatalf("Epoch failed for mix %g: %v", tc.mix, err)
			}
			if math.Abs(stats.Loss-tc.expected) > 1e-5 {
				t.Errorf("Mix %g: expected loss %f, got %f", tc.mix, tc.expected, stats.Loss)
			}
			if math.Abs(stats.BCE-ln2) > 1e-5 {
				t.Errorf("Mix %g: expected raw BCE %f, got %f", tc.mix, ln2, stats.BCE)
			}
			if stats.HeatmapMSE > 1e-9 {
				t.Errorf("Mix %g: expected zero MSE, got %g", tc.mix, stats.HeatmapMSE)
			}
			if stats.TRE > 1e-9 {
				t.Errorf("Mix %g: expected zero TRE, got %g", tc.mix, stats.TRE)
			}
		}
	})

	t.Run("Pure heatmap weighting ignores the segmentation loss", func(t *testing.T) {
		stats, err := RunHeatmapSegEpoch(HeatmapSegEpochConfig{
			Mode:       ModeVal,
			Loader:     heatmapTestLoader(t),
			Model:      newModel(t, 0),
			Info:       heatmapTestInfo(),
			HeatmapStd: 1.0,
			MixWeight:  0,
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}
		if stats.Loss > 1e-9 {
			t.Errorf("Expected zero blended loss, got %g", stats.Loss)
		}
		// The segmentation term is still measured
		if math.Abs(stats.BCE-ln2) > 1e-5 {
			t.Errorf("Expected raw BCE %f, got %f", ln2, stats.BCE)
		}
	})

	t.Run("Dice follows thresholded predictions", func(t *testing.T) {
		stats, err := RunHeatmapSegEpoch(HeatmapSegEpochConfig{
			Mode:       ModeVal,
			Loader:     heatmapTestLoader(t),
			Model:      newModel(t, 10), // confident foreground everywhere
			Info:       heatmapTestInfo(),
			HeatmapStd: 1.0,
			MixWeight:  0.5,
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}
		if math.Abs(stats.Dice-1.0) > 1e-6 {
			t.Errorf("Expected perfect dice, got %f", stats.Dice)
		}
		if len(stats.DicePerClass) != 1 || math.Abs(stats.DicePerClass[0]-1.0) > 1e-6 {
			t.Errorf("Expected per-class dice 1.0, got %v", stats.DicePerClass)
		}
	})

	t.Run("All metrics are reported regardless of the mix", func(t *testing.T) {
		reporter := newRecordingReporter()
		_, err := RunHeatmapSegEpoch(HeatmapSegEpochConfig{
			Mode:       ModeVal,
			Loader:     heatmapTestLoader(t),
			Model:      newModel(t, 0),
			Reporter:   reporter,
			Info:       heatmapTestInfo(),
			HeatmapStd: 1.0,
			MixWeight:  1.0, // heatmap term has zero weight but stays reported
		})
		if err != nil {
			t.Fatalf("Epoch failed: %v", err)
		}

		reporter.expectScalars(t, "Loss", "BCE", "Heatmap MSE", "TRE [mm]", "Dice")
		if _, ok := reporter.histograms["TRE [mm]"]; !ok {
			t.Error("Expected TRE histogram")
		}
		if _, ok := reporter.histograms["Dice"]; !ok {
			t.Error("Expected Dice histogram")
		}
	})

	t.Run("Mix weight outside the unit interval is rejected", func(t *testing.T) {
		for _, mix := range []float64{-0.1, 1.1} {
			_, err := RunHeatmapSegEpoch(HeatmapSegEpochConfig{
				Mode:      ModeVal,
				Loader:    heatmapTestLoader(t),
				Model:     newModel(t, 0),
				Info:      heatmapTestInfo(),
				MixWeight: mix,
			})
			if err == nil {
				t.Errorf("Expected error for mix weight %g", mix)
			}
		}
	})
}
