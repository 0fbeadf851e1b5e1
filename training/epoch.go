package training

import (
	"fmt"

	"github.com/densemark/uvtrain/tensor"
)

// Default Gaussian parameters for heatmap supervision
const (
	DefaultHeatmapStd   = 5.0
	DefaultHeatmapAlpha = 1.0
)

// setModelMode switches the model into the phase the mode demands. Training
// requires an optimizer; validation and test run inference only.
func setModelMode(model Model, mode Mode, optimizer Optimizer) error {
	switch mode {
	case ModeTrain:
		if optimizer == nil {
			return fmt.Errorf("optimizer is required in train mode")
		}
		model.Train()
	case ModeVal, ModeTest:
		model.Eval()
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
	return nil
}

// scalarValue reads a one-element tensor, tolerating nil
func scalarValue(t *tensor.Tensor) float64 {
	if t == nil {
		return 0
	}
	v, err := t.ItemFloat()
	if err != nil {
		return 0
	}
	return v
}

// UVEpochConfig configures one epoch over a UV correspondence model.
type UVEpochConfig struct {
	Mode        Mode
	Supervision Supervision
	Weights     LossWeights
	Epoch       int
	Loader      *DataLoader
	Model       UVModel
	Optimizer   Optimizer        // required in train mode
	Augmenter   Augmenter        // optional, applied in train mode only
	Reporter    Reporter         // optional
	Info        DatasetInfo
	ElemLoss    ElementLoss      // base loss for the UV terms, L1 when nil
	PosWeight   *tensor.Tensor   // optional per-class positive weight for the BCE term
	LandmarkUV  []*tensor.Tensor // canonical UV values, one (landmarks, 2) tensor per class
	Progress    bool
}

// UVEpochStats carries the aggregated results of one UV epoch. The loss
// fields hold count-weighted means over the epoch; the per-class slices
// follow the dataset's class order.
type UVEpochStats struct {
	Loss         float64
	BCE          float64
	UVLoss       float64
	RegressionUV float64
	LandmarkUV   float64
	Dice         float64
	UVL1         float64
	TV           float64
	DicePerClass []float64
	UVL1PerClass []float64
	TVPerClass   []float64
}

// RunUVEpoch drives one full pass over the loader: forward, loss
// composition, backward and optimizer step in train mode, and metric
// accumulation in every mode. The composed objective is
//
//	dense:  loss = w_bce*bce + w_uv*(reg + lm)/2 + w_tv*tv
//	sparse: loss = w_bce*bce + w_uv*lm + w_tv*tv
//
// where each term is skipped entirely when its weight is zero. The dense
// regression term is still evaluated for monitoring under sparse
// supervision, it just does not enter the objective.
func RunUVEpoch(cfg UVEpochConfig) (*UVEpochStats, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if !cfg.Weights.AnyActive() {
		return nil, fmt.Errorf("at least one loss weight must be non-zero")
	}
	if cfg.Supervision != SupervisionDense && cfg.Supervision != SupervisionSparse {
		return nil, fmt.Errorf("unknown supervision: %s", cfg.Supervision)
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset info: %v", err)
	}
	if err := setModelMode(cfg.Model, cfg.Mode, cfg.Optimizer); err != nil {
		return nil, err
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.ElemLoss == nil {
		cfg.ElemLoss = NewAbsoluteError()
	}

	run := &uvEpochRun{cfg: cfg, tvLoss: NewTotalVariation()}

	var err error
	if cfg.Weights.BCE != 0 {
		run.bceLoss, err = NewBCEWithLogitsLoss(cfg.PosWeight, "mean")
		if err != nil {
			return nil, err
		}
	}
	if cfg.Weights.UV != 0 {
		run.regLoss, err = NewBalancedUVLoss(cfg.ElemLoss)
		if err != nil {
			return nil, err
		}
		if len(cfg.LandmarkUV) != cfg.Info.NumClasses {
			return nil, fmt.Errorf("canonical UV values required for %d classes, got %d", cfg.Info.NumClasses, len(cfg.LandmarkUV))
		}
		run.lmLoss, err = NewLandmarkUVLoss(cfg.ElemLoss, cfg.LandmarkUV)
		if err != nil {
			return nil, err
		}
		if run.lmLoss.NumLandmarks() != cfg.Info.NumLandmarks() {
			return nil, fmt.Errorf("canonical UV values carry %d landmarks but the dataset defines %d",
				run.lmLoss.NumLandmarks(), cfg.Info.NumLandmarks())
		}
	}

	run.diceMetric, err = NewDiceMetric(cfg.Info.NumClasses)
	if err != nil {
		return nil, err
	}
	run.uvL1Metric, err = NewLossMetric(UVL1)
	if err != nil {
		return nil, err
	}
	run.tvMetric, err = NewLossMetric(func(uvHat, seg *tensor.Tensor) (*tensor.Tensor, error) {
		mask, err := tensor.GreaterScalar(seg, 0.5)
		if err != nil {
			return nil, err
		}
		return run.tvLoss.Forward(uvHat, mask)
	})
	if err != nil {
		return nil, err
	}
	run.lossCollector = NewCumulativeAverage()

	return run.execute()
}

type uvEpochRun struct {
	cfg           UVEpochConfig
	bceLoss       *BCEWithLogitsLoss
	regLoss       *BalancedUVLoss
	lmLoss        *LandmarkUVLoss
	tvLoss        *TotalVariation
	diceMetric    *DiceMetric
	uvL1Metric    *LossMetric
	tvMetric      *LossMetric
	lossCollector *CumulativeAverage
}

func (r *uvEpochRun) execute() (*UVEpochStats, error) {
	var bar *ProgressBar
	if r.cfg.Progress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d (%s)", r.cfg.Epoch, r.cfg.Mode), r.cfg.Loader.Len())
	}

	r.cfg.Loader.Reset()
	step := 0
	for r.cfg.Loader.HasNext() {
		batch, err := r.cfg.Loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		lossVal, err := r.processBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d failed: %v", step, err)
		}

		step++
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": lossVal})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if step == 0 {
		return nil, fmt.Errorf("data loader yielded no batches")
	}

	return r.report(), nil
}

func (r *uvEpochRun) processBatch(batch *Batch) (float64, error) {
	training := r.cfg.Mode == ModeTrain

	augmented := false
	if training && r.cfg.Augmenter != nil {
		var err error
		batch, err = r.cfg.Augmenter.Augment(batch)
		if err != nil {
			return 0, fmt.Errorf("augmentation failed: %v", err)
		}
		augmented = true
	}

	segMask, err := tensor.GreaterScalar(batch.Seg, 0.5)
	if err != nil {
		return 0, fmt.Errorf("segmentation mask conversion failed: %v", err)
	}

	// Augmentation resamples the UV map, which bleeds values outside the
	// warped masks, so the invalid marker has to be reapplied. Batches
	// straight from the loader arrive pre-masked.
	uv := batch.UV
	if augmented {
		uv, err = MaskUV(uv, segMask)
		if err != nil {
			return 0, err
		}
	}

	prev := tensor.SetGradEnabled(training)
	defer tensor.SetGradEnabled(prev)

	segHat, uvHat, err := r.cfg.Model.Forward(batch.Images)
	if err != nil {
		return 0, fmt.Errorf("model forward failed: %v", err)
	}

	var bceT *tensor.Tensor
	if r.bceLoss != nil {
		bceT, err = r.bceLoss.Forward(segHat, batch.Seg)
		if err != nil {
			return 0, fmt.Errorf("segmentation loss failed: %v", err)
		}
	}

	var regT, lmT *tensor.Tensor
	if r.regLoss != nil {
		regMat, err := r.regLoss.Forward(uvHat, uv)
		if err != nil {
			return 0, fmt.Errorf("regression UV loss failed: %v", err)
		}
		regT = tensor.MeanAllAutograd(regMat)

		lmMat, err := r.lmLoss.Forward(uvHat, batch.Landmarks)
		if err != nil {
			return 0, fmt.Errorf("landmark UV loss failed: %v", err)
		}
		lmT = tensor.MeanAllAutograd(lmMat)
	}

	var tvT *tensor.Tensor
	if r.cfg.Weights.TV != 0 {
		tvMat, err := r.tvLoss.Forward(uvHat, segMask)
		if err != nil {
			return 0, fmt.Errorf("total variation loss failed: %v", err)
		}
		tvT = tensor.MeanAllAutograd(tvMat)
	}

	var uvTerm *tensor.Tensor
	switch r.cfg.Supervision {
	case SupervisionDense:
		if regT != nil {
			uvTerm = tensor.ScaleAutograd(tensor.AddAutograd(regT, lmT), float32(r.cfg.Weights.UV/2))
		}
	case SupervisionSparse:
		if lmT != nil {
			uvTerm = tensor.ScaleAutograd(lmT, float32(r.cfg.Weights.UV))
		}
	}
	if tvT != nil {
		scaled := tensor.ScaleAutograd(tvT, float32(r.cfg.Weights.TV))
		if uvTerm == nil {
			uvTerm = scaled
		} else {
			uvTerm = tensor.AddAutograd(uvTerm, scaled)
		}
	}

	loss := uvTerm
	if bceT != nil {
		weighted := tensor.ScaleAutograd(bceT, float32(r.cfg.Weights.BCE))
		if loss == nil {
			loss = weighted
		} else {
			loss = tensor.AddAutograd(weighted, loss)
		}
	}

	if training {
		r.cfg.Optimizer.ZeroGrad()
		if err := loss.Backward(); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := r.cfg.Optimizer.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %v", err)
		}
	}

	lossVal, err := loss.ItemFloat()
	if err != nil {
		return 0, err
	}

	items := []float64{lossVal, scalarValue(bceT), scalarValue(uvTerm), scalarValue(regT), scalarValue(lmT)}
	if err := r.lossCollector.Append(items, batch.Size); err != nil {
		return 0, err
	}

	prob, err := tensor.Sigmoid(segHat)
	if err != nil {
		return 0, err
	}
	predMask, err := tensor.GreaterScalar(prob, 0.5)
	if err != nil {
		return 0, err
	}
	if err := r.diceMetric.Update(predMask, batch.Seg); err != nil {
		return 0, fmt.Errorf("dice update failed: %v", err)
	}
	if err := r.uvL1Metric.Update(uvHat, uv); err != nil {
		return 0, fmt.Errorf("UV L1 update failed: %v", err)
	}
	if err := r.tvMetric.Update(uvHat, batch.Seg); err != nil {
		return 0, fmt.Errorf("TV update failed: %v", err)
	}

	return lossVal, nil
}

func (r *uvEpochRun) report() *UVEpochStats {
	series := r.cfg.Mode.String()
	epoch := r.cfg.Epoch
	labels := r.cfg.Info.ClassLabels

	lossAvg := r.lossCollector.Aggregate() // [loss, bce, uv, reg, lm]
	stats := &UVEpochStats{
		Loss:         lossAvg[0],
		BCE:          lossAvg[1],
		UVLoss:       lossAvg[2],
		RegressionUV: lossAvg[3],
		LandmarkUV:   lossAvg[4],
		Dice:         r.diceMetric.AggregateScalar(),
		UVL1:         r.uvL1Metric.AggregateScalar(),
		TV:           r.tvMetric.AggregateScalar(),
		DicePerClass: r.diceMetric.Aggregate(),
		UVL1PerClass: r.uvL1Metric.Aggregate(),
		TVPerClass:   r.tvMetric.Aggregate(),
	}

	rep := r.cfg.Reporter
	rep.ReportScalar("Loss", series, epoch, stats.Loss)
	if r.cfg.Weights.BCE != 0 {
		rep.ReportScalar("BCE", series, epoch, stats.BCE)
		rep.ReportScalar("Dice", series, epoch, stats.Dice)
		rep.ReportHistogram("Dice", series, epoch, stats.DicePerClass, labels, "class", "dice")
	}
	if r.cfg.Weights.UV != 0 || r.cfg.Weights.TV != 0 {
		rep.ReportScalar("UV Loss", series, epoch, stats.UVLoss)
		rep.ReportScalar("UV L1", series, epoch, stats.UVL1)
		rep.ReportHistogram("UV L1", series, epoch, stats.UVL1PerClass, labels, "class", "uv l1")
		rep.ReportScalar("TV Loss", series, epoch, stats.TV)
		rep.ReportHistogram("TV Loss", series, epoch, stats.TVPerClass, labels, "class", "tv")

		if r.cfg.Weights.UV != 0 {
			rep.ReportScalar("Regression UV Loss", series, epoch, stats.RegressionUV)
			rep.ReportScalar("Landmark UV Loss", series, epoch, stats.LandmarkUV)
		}
	}

	return stats
}

// landmarkError extracts peak coordinates from predicted heatmaps and
// measures the physical distance to the ground truth landmarks, overall and
// averaged per class span.
func landmarkError(heatmaps, landmarks *tensor.Tensor, info DatasetInfo) (float64, []float64, error) {
	predicted, err := ExtractKeypoints(heatmaps)
	if err != nil {
		return 0, nil, err
	}
	tre, err := TRE(predicted, landmarks, info.PixelResolutionMM)
	if err != nil {
		return 0, nil, err
	}
	if tre.Shape[1] != info.NumLandmarks() {
		return 0, nil, fmt.Errorf("heatmap has %d landmark channels but the dataset defines %d", tre.Shape[1], info.NumLandmarks())
	}

	treData := tre.Data.([]float32)
	batch := tre.Shape[0]
	numLandmarks := tre.Shape[1]

	total := 0.0
	for _, v := range treData {
		total += float64(v)
	}
	mean := total / float64(len(treData))

	perClass := make([]float64, info.NumClasses)
	for c, rg := range info.ClassRanges() {
		sum := 0.0
		n := 0
		for b := 0; b < batch; b++ {
			for i := rg[0]; i < rg[1]; i++ {
				sum += float64(treData[b*numLandmarks+i])
				n++
			}
		}
		perClass[c] = sum / float64(n)
	}

	return mean, perClass, nil
}

// HeatmapEpochConfig configures one epoch over a heatmap regression model.
type HeatmapEpochConfig struct {
	Mode         Mode
	Epoch        int
	Loader       *DataLoader
	Model        HeatmapModel
	Optimizer    Optimizer // required in train mode
	Augmenter    Augmenter // optional, applied in train mode only
	Reporter     Reporter  // optional
	Info         DatasetInfo
	HeatmapStd   float64 // Gaussian std in pixels, DefaultHeatmapStd when zero
	HeatmapAlpha float64 // Gaussian peak amplitude, DefaultHeatmapAlpha when zero
	Progress     bool
}

// HeatmapEpochStats carries the aggregated results of one heatmap epoch.
type HeatmapEpochStats struct {
	Loss        float64
	TRE         float64
	TREPerClass []float64
}

// RunHeatmapEpoch drives one pass of Gaussian heatmap regression: the
// ground truth heatmaps are synthesized fresh from the (possibly augmented)
// landmark coordinates of every batch, the model regresses them under MSE,
// and landmark accuracy is tracked as target registration error in
// millimeters.
func RunHeatmapEpoch(cfg HeatmapEpochConfig) (*HeatmapEpochStats, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset info: %v", err)
	}
	if err := setModelMode(cfg.Model, cfg.Mode, cfg.Optimizer); err != nil {
		return nil, err
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.HeatmapStd <= 0 {
		cfg.HeatmapStd = DefaultHeatmapStd
	}
	if cfg.HeatmapAlpha <= 0 {
		cfg.HeatmapAlpha = DefaultHeatmapAlpha
	}

	mseLoss, err := NewMSELoss("mean")
	if err != nil {
		return nil, err
	}

	run := &heatmapEpochRun{
		cfg:           cfg,
		mseLoss:       mseLoss,
		lossCollector: NewCumulativeAverage(),
		treCollector:  NewCumulativeAverage(),
	}
	return run.execute()
}

type heatmapEpochRun struct {
	cfg           HeatmapEpochConfig
	mseLoss       *MSELoss
	lossCollector *CumulativeAverage
	treCollector  *CumulativeAverage
}

func (r *heatmapEpochRun) execute() (*HeatmapEpochStats, error) {
	var bar *ProgressBar
	if r.cfg.Progress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d (%s)", r.cfg.Epoch, r.cfg.Mode), r.cfg.Loader.Len())
	}

	r.cfg.Loader.Reset()
	step := 0
	for r.cfg.Loader.HasNext() {
		batch, err := r.cfg.Loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		lossVal, err := r.processBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d failed: %v", step, err)
		}

		step++
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": lossVal})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if step == 0 {
		return nil, fmt.Errorf("data loader yielded no batches")
	}

	series := r.cfg.Mode.String()
	epoch := r.cfg.Epoch
	lossAvg := r.lossCollector.Aggregate() // [loss, tre]
	stats := &HeatmapEpochStats{
		Loss:        lossAvg[0],
		TRE:         lossAvg[1],
		TREPerClass: r.treCollector.Aggregate(),
	}

	rep := r.cfg.Reporter
	rep.ReportScalar("Loss", series, epoch, stats.Loss)
	rep.ReportScalar("TRE [mm]", series, epoch, stats.TRE)
	rep.ReportHistogram("TRE [mm]", series, epoch, stats.TREPerClass, r.cfg.Info.ClassLabels, "class", "TRE [mm]")

	return stats, nil
}

func (r *heatmapEpochRun) processBatch(batch *Batch) (float64, error) {
	training := r.cfg.Mode == ModeTrain

	if training && r.cfg.Augmenter != nil {
		var err error
		batch, err = r.cfg.Augmenter.Augment(batch)
		if err != nil {
			return 0, fmt.Errorf("augmentation failed: %v", err)
		}
	}

	height := batch.Images.Shape[2]
	width := batch.Images.Shape[3]
	heatmapGT, err := RenderHeatmaps(batch.Landmarks, height, width, r.cfg.HeatmapStd, r.cfg.HeatmapAlpha)
	if err != nil {
		return 0, fmt.Errorf("heatmap synthesis failed: %v", err)
	}

	prev := tensor.SetGradEnabled(training)
	defer tensor.SetGradEnabled(prev)

	heatmapHat, err := r.cfg.Model.Forward(batch.Images)
	if err != nil {
		return 0, fmt.Errorf("model forward failed: %v", err)
	}

	loss, err := r.mseLoss.Forward(heatmapHat, heatmapGT)
	if err != nil {
		return 0, fmt.Errorf("heatmap loss failed: %v", err)
	}

	if training {
		r.cfg.Optimizer.ZeroGrad()
		if err := loss.Backward(); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := r.cfg.Optimizer.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %v", err)
		}
	}

	lossVal, err := loss.ItemFloat()
	if err != nil {
		return 0, err
	}

	treMean, trePerClass, err := landmarkError(heatmapHat, batch.Landmarks, r.cfg.Info)
	if err != nil {
		return 0, fmt.Errorf("landmark error tracking failed: %v", err)
	}

	if err := r.treCollector.Append(trePerClass, batch.Size); err != nil {
		return 0, err
	}
	if err := r.lossCollector.Append([]float64{lossVal, treMean}, batch.Size); err != nil {
		return 0, err
	}

	return lossVal, nil
}

// HeatmapSegEpochConfig configures one epoch over a model that predicts
// landmark heatmaps and segmentation masks together.
type HeatmapSegEpochConfig struct {
	Mode         Mode
	Epoch        int
	Loader       *DataLoader
	Model        HeatmapSegModel
	Optimizer    Optimizer // required in train mode
	Augmenter    Augmenter // optional, applied in train mode only
	Reporter     Reporter  // optional
	Info         DatasetInfo
	HeatmapStd   float64
	HeatmapAlpha float64
	MixWeight    float64        // blend: MixWeight*bce + (1-MixWeight)*mse
	PosWeight    *tensor.Tensor // optional per-class positive weight for the BCE term
	Progress     bool
}

// HeatmapSegEpochStats carries the aggregated results of one joint epoch.
type HeatmapSegEpochStats struct {
	Loss         float64
	TRE          float64
	BCE          float64
	HeatmapMSE   float64
	Dice         float64
	TREPerClass  []float64
	DicePerClass []float64
}

// RunHeatmapSegEpoch drives one pass of joint heatmap and segmentation
// training, blending the two objectives with a single mixing coefficient.
func RunHeatmapSegEpoch(cfg HeatmapSegEpochConfig) (*HeatmapSegEpochStats, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if cfg.MixWeight < 0 || cfg.MixWeight > 1 {
		return nil, fmt.Errorf("mix weight must be in [0, 1], got %g", cfg.MixWeight)
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset info: %v", err)
	}
	if err := setModelMode(cfg.Model, cfg.Mode, cfg.Optimizer); err != nil {
		return nil, err
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.HeatmapStd <= 0 {
		cfg.HeatmapStd = DefaultHeatmapStd
	}
	if cfg.HeatmapAlpha <= 0 {
		cfg.HeatmapAlpha = DefaultHeatmapAlpha
	}

	bceLoss, err := NewBCEWithLogitsLoss(cfg.PosWeight, "mean")
	if err != nil {
		return nil, err
	}
	mseLoss, err := NewMSELoss("mean")
	if err != nil {
		return nil, err
	}
	diceMetric, err := NewDiceMetric(cfg.Info.NumClasses)
	if err != nil {
		return nil, err
	}

	run := &heatmapSegEpochRun{
		cfg:           cfg,
		bceLoss:       bceLoss,
		mseLoss:       mseLoss,
		diceMetric:    diceMetric,
		lossCollector: NewCumulativeAverage(),
		treCollector:  NewCumulativeAverage(),
	}
	return run.execute()
}

type heatmapSegEpochRun struct {
	cfg           HeatmapSegEpochConfig
	bceLoss       *BCEWithLogitsLoss
	mseLoss       *MSELoss
	diceMetric    *DiceMetric
	lossCollector *CumulativeAverage
	treCollector  *CumulativeAverage
}

func (r *heatmapSegEpochRun) execute() (*HeatmapSegEpochStats, error) {
	var bar *ProgressBar
	if r.cfg.Progress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d (%s)", r.cfg.Epoch, r.cfg.Mode), r.cfg.Loader.Len())
	}

	r.cfg.Loader.Reset()
	step := 0
	for r.cfg.Loader.HasNext() {
		batch, err := r.cfg.Loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		lossVal, err := r.processBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d failed: %v", step, err)
		}

		step++
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": lossVal})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if step == 0 {
		return nil, fmt.Errorf("data loader yielded no batches")
	}

	series := r.cfg.Mode.String()
	epoch := r.cfg.Epoch
	labels := r.cfg.Info.ClassLabels
	lossAvg := r.lossCollector.Aggregate() // [loss, tre, bce, mse]
	stats := &HeatmapSegEpochStats{
		Loss:         lossAvg[0],
		TRE:          lossAvg[1],
		BCE:          lossAvg[2],
		HeatmapMSE:   lossAvg[3],
		Dice:         r.diceMetric.AggregateScalar(),
		TREPerClass:  r.treCollector.Aggregate(),
		DicePerClass: r.diceMetric.Aggregate(),
	}

	rep := r.cfg.Reporter
	rep.ReportScalar("Loss", series, epoch, stats.Loss)
	rep.ReportScalar("BCE", series, epoch, stats.BCE)
	rep.ReportScalar("Heatmap MSE", series, epoch, stats.HeatmapMSE)
	rep.ReportScalar("TRE [mm]", series, epoch, stats.TRE)
	rep.ReportHistogram("TRE [mm]", series, epoch, stats.TREPerClass, labels, "class", "TRE [mm]")
	rep.ReportScalar("Dice", series, epoch, stats.Dice)
	rep.ReportHistogram("Dice", series, epoch, stats.DicePerClass, labels, "class", "dice")

	return stats, nil
}

func (r *heatmapSegEpochRun) processBatch(batch *Batch) (float64, error) {
	training := r.cfg.Mode == ModeTrain

	if training && r.cfg.Augmenter != nil {
		var err error
		batch, err = r.cfg.Augmenter.Augment(batch)
		if err != nil {
			return 0, fmt.Errorf("augmentation failed: %v", err)
		}
	}

	height := batch.Images.Shape[2]
	width := batch.Images.Shape[3]
	heatmapGT, err := RenderHeatmaps(batch.Landmarks, height, width, r.cfg.HeatmapStd, r.cfg.HeatmapAlpha)
	if err != nil {
		return 0, fmt.Errorf("heatmap synthesis failed: %v", err)
	}

	prev := tensor.SetGradEnabled(training)
	defer tensor.SetGradEnabled(prev)

	heatmapHat, segHat, err := r.cfg.Model.Forward(batch.Images)
	if err != nil {
		return 0, fmt.Errorf("model forward failed: %v", err)
	}

	segLoss, err := r.bceLoss.Forward(segHat, batch.Seg)
	if err != nil {
		return 0, fmt.Errorf("segmentation loss failed: %v", err)
	}
	heatmapLoss, err := r.mseLoss.Forward(heatmapHat, heatmapGT)
	if err != nil {
		return 0, fmt.Errorf("heatmap loss failed: %v", err)
	}

	loss := tensor.AddAutograd(
		tensor.ScaleAutograd(segLoss, float32(r.cfg.MixWeight)),
		tensor.ScaleAutograd(heatmapLoss, float32(1-r.cfg.MixWeight)),
	)

	if training {
		r.cfg.Optimizer.ZeroGrad()
		if err := loss.Backward(); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := r.cfg.Optimizer.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %v", err)
		}
	}

	lossVal, err := loss.ItemFloat()
	if err != nil {
		return 0, err
	}

	treMean, trePerClass, err := landmarkError(heatmapHat, batch.Landmarks, r.cfg.Info)
	if err != nil {
		return 0, fmt.Errorf("landmark error tracking failed: %v", err)
	}

	prob, err := tensor.Sigmoid(segHat)
	if err != nil {
		return 0, err
	}
	predMask, err := tensor.GreaterScalar(prob, 0.5)
	if err != nil {
		return 0, err
	}
	if err := r.diceMetric.Update(predMask, batch.Seg); err != nil {
		return 0, fmt.Errorf("dice update failed: %v", err)
	}

	if err := r.treCollector.Append(trePerClass, batch.Size); err != nil {
		return 0, err
	}
	items := []float64{lossVal, treMean, scalarValue(segLoss), scalarValue(heatmapLoss)}
	if err := r.lossCollector.Append(items, batch.Size); err != nil {
		return 0, err
	}

	return lossVal, nil
}
