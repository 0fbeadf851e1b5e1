package training

import (
	"fmt"
	"math"

	"github.com/densemark/uvtrain/tensor"
)

// CumulativeAverage keeps count-weighted running averages of a fixed-size
// value vector across an epoch. Non-finite values are skipped so a single
// bad batch cannot poison the epoch summary.
type CumulativeAverage struct {
	sums    []float64
	weights []float64
}

// NewCumulativeAverage creates a new empty accumulator. The vector size is
// fixed by the first Append call.
func NewCumulativeAverage() *CumulativeAverage {
	return &CumulativeAverage{}
}

// Append adds one batch of values weighted by count (usually the batch size)
func (ca *CumulativeAverage) Append(values []float64, count int) error {
	if len(values) == 0 {
		return fmt.Errorf("values cannot be empty")
	}
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}

	if ca.sums == nil {
		ca.sums = make([]float64, len(values))
		ca.weights = make([]float64, len(values))
	}
	if len(values) != len(ca.sums) {
		return fmt.Errorf("value count changed mid-epoch: expected %d, got %d", len(ca.sums), len(values))
	}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		ca.sums[i] += v * float64(count)
		ca.weights[i] += float64(count)
	}

	return nil
}

// Aggregate returns the weighted averages. Entries that never received a
// finite value are zero.
func (ca *CumulativeAverage) Aggregate() []float64 {
	result := make([]float64, len(ca.sums))
	for i := range ca.sums {
		if ca.weights[i] > 0 {
			result[i] = ca.sums[i] / ca.weights[i]
		}
	}
	return result
}

// Len returns the size of the tracked value vector
func (ca *CumulativeAverage) Len() int {
	return len(ca.sums)
}

// Reset clears all accumulated state
func (ca *CumulativeAverage) Reset() {
	ca.sums = nil
	ca.weights = nil
}

// DiceMetric accumulates the Dice overlap between binarized predictions
// and ground truth masks per class. Items whose ground truth class is
// empty are ignored rather than scored, so rare structures do not skew the
// epoch mean with undefined overlaps.
type DiceMetric struct {
	numClasses int
	sums       []float64
	counts     []int
}

// NewDiceMetric creates a new Dice accumulator for the given class count
func NewDiceMetric(numClasses int) (*DiceMetric, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("class count must be positive, got %d", numClasses)
	}
	return &DiceMetric{
		numClasses: numClasses,
		sums:       make([]float64, numClasses),
		counts:     make([]int, numClasses),
	}, nil
}

// Update scores one batch. Predictions are binarized Bool masks of shape
// (batch, classes, height, width); targets are Float32 masks where values
// above 0.5 count as foreground.
func (dm *DiceMetric) Update(pred, target *tensor.Tensor) error {
	if pred == nil || target == nil {
		return fmt.Errorf("prediction and target cannot be nil")
	}
	if pred.DType != tensor.Bool {
		return fmt.Errorf("prediction must be a binarized Bool mask, got %s", pred.DType)
	}
	if target.DType != tensor.Float32 {
		return fmt.Errorf("target must be Float32, got %s", target.DType)
	}
	if len(pred.Shape) != 4 {
		return fmt.Errorf("prediction must have shape (batch, classes, height, width), got %v", pred.Shape)
	}
	if len(target.Shape) != 4 {
		return fmt.Errorf("target must have shape (batch, classes, height, width), got %v", target.Shape)
	}
	for i := range pred.Shape {
		if pred.Shape[i] != target.Shape[i] {
			return fmt.Errorf("prediction and target shapes must match: %v vs %v", pred.Shape, target.Shape)
		}
	}
	if pred.Shape[1] != dm.numClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", dm.numClasses, pred.Shape[1])
	}

	batch := pred.Shape[0]
	planeSize := pred.Shape[2] * pred.Shape[3]
	predData := pred.Data.([]bool)
	targetData := target.Data.([]float32)

	for b := 0; b < batch; b++ {
		for c := 0; c < dm.numClasses; c++ {
			base := (b*dm.numClasses + c) * planeSize

			intersection := 0
			predSum := 0
			targetSum := 0
			for p := 0; p < planeSize; p++ {
				fg := targetData[base+p] > 0.5
				if predData[base+p] {
					predSum++
					if fg {
						intersection++
					}
				}
				if fg {
					targetSum++
				}
			}

			if targetSum == 0 {
				// Structure absent from the ground truth: overlap undefined
				continue
			}

			dm.sums[c] += 2 * float64(intersection) / float64(predSum+targetSum)
			dm.counts[c]++
		}
	}

	return nil
}

// Aggregate returns the per-class mean Dice. Classes that never appeared
// in any ground truth are NaN.
func (dm *DiceMetric) Aggregate() []float64 {
	result := make([]float64, dm.numClasses)
	for c := 0; c < dm.numClasses; c++ {
		if dm.counts[c] > 0 {
			result[c] = dm.sums[c] / float64(dm.counts[c])
		} else {
			result[c] = math.NaN()
		}
	}
	return result
}

// AggregateScalar returns the mean over all classes that received at
// least one defined score, or NaN if none did.
func (dm *DiceMetric) AggregateScalar() float64 {
	sum := 0.0
	n := 0
	for c := 0; c < dm.numClasses; c++ {
		if dm.counts[c] > 0 {
			sum += dm.sums[c] / float64(dm.counts[c])
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Reset clears all accumulated state
func (dm *DiceMetric) Reset() {
	for c := range dm.sums {
		dm.sums[c] = 0
		dm.counts[c] = 0
	}
}

// LossMetric turns a per-batch loss function into an epoch aggregator.
// The wrapped function must return a (batch, classes) matrix; the metric
// averages it per class over every item seen. Gradients are never
// recorded during metric evaluation.
type LossMetric struct {
	fn    func(a, b *tensor.Tensor) (*tensor.Tensor, error)
	sums  []float64
	count int
}

// NewLossMetric creates a new loss-based metric accumulator
func NewLossMetric(fn func(a, b *tensor.Tensor) (*tensor.Tensor, error)) (*LossMetric, error) {
	if fn == nil {
		return nil, fmt.Errorf("loss function cannot be nil")
	}
	return &LossMetric{fn: fn}, nil
}

// Update evaluates the loss function on one batch and accumulates the
// per-class results
func (lm *LossMetric) Update(a, b *tensor.Tensor) error {
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	values, err := lm.fn(a, b)
	if err != nil {
		return fmt.Errorf("loss evaluation failed: %v", err)
	}
	if len(values.Shape) != 2 {
		return fmt.Errorf("loss function must return a (batch, classes) matrix, got shape %v", values.Shape)
	}

	batch, classes := values.Shape[0], values.Shape[1]
	if lm.sums == nil {
		lm.sums = make([]float64, classes)
	}
	if len(lm.sums) != classes {
		return fmt.Errorf("class count changed mid-epoch: expected %d, got %d", len(lm.sums), classes)
	}

	data := values.Data.([]float32)
	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			lm.sums[c] += float64(data[b*classes+c])
		}
	}
	lm.count += batch

	return nil
}

// Aggregate returns the per-class means over every item seen
func (lm *LossMetric) Aggregate() []float64 {
	result := make([]float64, len(lm.sums))
	if lm.count == 0 {
		return result
	}
	for c := range lm.sums {
		result[c] = lm.sums[c] / float64(lm.count)
	}
	return result
}

// AggregateScalar returns the mean over all classes
func (lm *LossMetric) AggregateScalar() float64 {
	values := lm.Aggregate()
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Reset clears all accumulated state
func (lm *LossMetric) Reset() {
	lm.sums = nil
	lm.count = 0
}
