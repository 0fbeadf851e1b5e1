// Package checkpoints persists model weights and training state. Checkpoints
// encode as pretty-printed JSON or compact binary CBOR, chosen by file
// extension, with optional reduced-precision weight payloads.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/densemark/uvtrain/tensor"
	"github.com/densemark/uvtrain/training"
)

// Precision selects how weight data is stored on disk. Reduced precisions
// halve the payload at the cost of rounding the mantissa.
type Precision int

const (
	PrecisionFloat32 Precision = iota
	PrecisionFloat16
	PrecisionBFloat16
)

func (p Precision) String() string {
	switch p {
	case PrecisionFloat32:
		return "float32"
	case PrecisionFloat16:
		return "float16"
	case PrecisionBFloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// ParsePrecision converts a precision name into a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "fp32":
		return PrecisionFloat32, nil
	case "float16", "f16", "fp16":
		return PrecisionFloat16, nil
	case "bfloat16", "bf16":
		return PrecisionBFloat16, nil
	default:
		return 0, fmt.Errorf("unknown precision %q: expected float32, float16 or bfloat16", s)
	}
}

// Checkpoint is a complete snapshot: what model to build, its weights and
// where training stood when it was taken.
type Checkpoint struct {
	Model         ModelDescription `json:"model"`
	Weights       []WeightTensor   `json:"weights"`
	TrainingState TrainingState    `json:"training_state"`
	Metadata      Metadata         `json:"metadata"`
}

// ModelDescription carries enough architecture detail to rebuild the network
// before applying the weights.
type ModelDescription struct {
	Kind         string `json:"kind"` // "uv", "heatmap" or "heatmap_seg"
	InChannels   int    `json:"in_channels"`
	BaseWidth    int    `json:"base_width"`
	Depth        int    `json:"depth"`
	NumClasses   int    `json:"num_classes,omitempty"`
	NumLandmarks int    `json:"num_landmarks,omitempty"`
}

// WeightTensor is one parameter tensor. Full-precision data lives in Data;
// reduced precisions store a little-endian byte payload in Packed.
type WeightTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Precision string    `json:"precision"`
	Data      []float32 `json:"data,omitempty"`
	Packed    []byte    `json:"packed,omitempty"`
}

// TrainingState captures the training progress at checkpoint time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	Optimizer    string  `json:"optimizer"`
	BestLoss     float64 `json:"best_loss,omitempty"`
}

// Metadata contains checkpoint provenance
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Snapshot collects the model's parameters at the given precision and wraps
// them with the description and training state.
func Snapshot(model training.Model, desc ModelDescription, state TrainingState, precision Precision) (*Checkpoint, error) {
	weights, err := CollectWeights(model, precision)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Model:         desc,
		Weights:       weights,
		TrainingState: state,
	}, nil
}

// CollectWeights copies every model parameter into a serializable weight
// list, encoding the data at the requested precision.
func CollectWeights(model training.Model, precision Precision) ([]WeightTensor, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	params := model.Parameters()
	if len(params) == 0 {
		return nil, fmt.Errorf("model has no parameters to checkpoint")
	}

	weights := make([]WeightTensor, len(params))
	for i, param := range params {
		if param == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if param.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d must be Float32, got %s", i, param.DType)
		}

		weight := WeightTensor{
			Name:      fmt.Sprintf("param_%03d", i),
			Shape:     append([]int(nil), param.Shape...),
			Precision: precision.String(),
		}

		data := param.Data.([]float32)
		switch precision {
		case PrecisionFloat32:
			weight.Data = append([]float32(nil), data...)
		case PrecisionFloat16:
			weight.Packed = packFloat16(data)
		case PrecisionBFloat16:
			weight.Packed = bfloat16.EncodeFloat32(data)
		default:
			return nil, fmt.Errorf("unsupported precision %s", precision)
		}
		weights[i] = weight
	}

	return weights, nil
}

// ApplyWeights writes checkpoint weights back into the model's parameters.
// Weights match parameters by position; shapes must agree exactly.
func ApplyWeights(model training.Model, weights []WeightTensor) error {
	if model == nil {
		return fmt.Errorf("model cannot be nil")
	}

	params := model.Parameters()
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: checkpoint has %d, model has %d parameters",
			len(weights), len(params))
	}

	for i, weight := range weights {
		param := params[i]

		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs model %v",
				weight.Name, weight.Shape, param.Shape)
		}
		for d, dim := range weight.Shape {
			if dim != param.Shape[d] {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs model %v",
					weight.Name, weight.Shape, param.Shape)
			}
		}

		data, err := weight.Float32Data()
		if err != nil {
			return fmt.Errorf("failed to decode %s: %v", weight.Name, err)
		}
		if len(data) != param.NumElems {
			return fmt.Errorf("%s holds %d values for %d elements", weight.Name, len(data), param.NumElems)
		}

		copy(param.Data.([]float32), data)
	}

	return nil
}

// Apply writes the checkpoint's weights into the model.
func (c *Checkpoint) Apply(model training.Model) error {
	return ApplyWeights(model, c.Weights)
}

// Float32Data decodes the weight payload back to full precision.
func (w WeightTensor) Float32Data() ([]float32, error) {
	precision, err := ParsePrecision(w.Precision)
	if err != nil {
		return nil, err
	}

	switch precision {
	case PrecisionFloat32:
		return w.Data, nil
	case PrecisionFloat16:
		return unpackFloat16(w.Packed)
	case PrecisionBFloat16:
		if len(w.Packed)%2 != 0 {
			return nil, fmt.Errorf("bfloat16 payload of %d bytes is not a whole number of values", len(w.Packed))
		}
		return bfloat16.DecodeFloat32(w.Packed), nil
	default:
		return nil, fmt.Errorf("unsupported precision %s", precision)
	}
}

func packFloat16(values []float32) []byte {
	payload := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(payload[i*2:], float16.Fromfloat32(v).Bits())
	}
	return payload
}

func unpackFloat16(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("float16 payload of %d bytes is not a whole number of values", len(payload))
	}
	values := make([]float32, len(payload)/2)
	for i := range values {
		values[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[i*2:])).Float32()
	}
	return values, nil
}

// Save stores the checkpoint at the given path. The extension picks the
// encoding: .json or .cbor.
func Save(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "uvtrain"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return saveJSON(checkpoint, path)
	case ".cbor":
		return saveCBOR(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint extension %q: expected .json or .cbor", filepath.Ext(path))
	}
}

// Load reads a checkpoint written by Save, dispatching on the extension.
func Load(path string) (*Checkpoint, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(path)
	case ".cbor":
		return loadCBOR(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint extension %q: expected .json or .cbor", filepath.Ext(path))
	}
}

func saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

func saveCBOR(checkpoint *Checkpoint, path string) error {
	payload, err := cbor.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

func loadCBOR(path string) (*Checkpoint, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}

	var checkpoint Checkpoint
	if err := cbor.Unmarshal(payload, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
