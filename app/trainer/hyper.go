package trainer

import (
	"fmt"
	"strconv"
)

// Hyperparams are resolved training knobs, unset request values get defaults
type Hyperparams struct {
	LearningRate              float64 `json:"learningRate"`
	Epochs                    int     `json:"epochs"`
	BatchSize                 int     `json:"batchSize"`
	Rank                      int     `json:"rank"`
	Alpha                     int     `json:"alpha"`
	Dropout                   float64 `json:"dropout"`
	GradientAccumulationSteps int     `json:"gradientAccumulationSteps"`
	LoggingSteps              int     `json:"loggingSteps"`
	MaxSeqLength              int     `json:"maxSeqLength"`
}

// DefaultHyperparams used for missing request values
var DefaultHyperparams = Hyperparams{
	LearningRate:              2e-4,
	Epochs:                    1,
	BatchSize:                 1,
	Rank:                      16,
	Alpha:                     32,
	Dropout:                   0.05,
	GradientAccumulationSteps: 1,
	LoggingSteps:              5,
	MaxSeqLength:              1024,
}

// ParseHyperparams resolves request hyperparameters over defaults.
// Values may come as json numbers or numeric strings, anything else is an error.
func ParseHyperparams(m map[string]any) (Hyperparams, error) {
	res := DefaultHyperparams
	floats := map[string]*float64{"learningRate": &res.LearningRate, "dropout": &res.Dropout}
	ints := map[string]*int{
		"epochs": &res.Epochs, "batchSize": &res.BatchSize, "rank": &res.Rank, "alpha": &res.Alpha,
		"gradientAccumulationSteps": &res.GradientAccumulationSteps, "loggingSteps": &res.LoggingSteps,
		"maxSeqLength": &res.MaxSeqLength,
	}
	for k, dst := range floats {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return Hyperparams{}, fmt.Errorf("invalid %s: %w", k, err)
		}
		*dst = f
	}
	for k, dst := range ints {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return Hyperparams{}, fmt.Errorf("invalid %s: %w", k, err)
		}
		*dst = int(f)
	}
	// accumulation and logging steps are at least 1
	res.GradientAccumulationSteps = max(1, res.GradientAccumulationSteps)
	res.LoggingSteps = max(1, res.LoggingSteps)
	return res, nil
}

// Env returns hyperparameters as environment variables for the trainer process
func (h Hyperparams) Env() []string {
	return []string{
		"TRAINQ_LEARNING_RATE=" + strconv.FormatFloat(h.LearningRate, 'g', -1, 64),
		"TRAINQ_EPOCHS=" + strconv.Itoa(h.Epochs),
		"TRAINQ_BATCH_SIZE=" + strconv.Itoa(h.BatchSize),
		"TRAINQ_LORA_RANK=" + strconv.Itoa(h.Rank),
		"TRAINQ_LORA_ALPHA=" + strconv.Itoa(h.Alpha),
		"TRAINQ_LORA_DROPOUT=" + strconv.FormatFloat(h.Dropout, 'g', -1, 64),
		"TRAINQ_GRADIENT_ACCUMULATION_STEPS=" + strconv.Itoa(h.GradientAccumulationSteps),
		"TRAINQ_LOGGING_STEPS=" + strconv.Itoa(h.LoggingSteps),
		"TRAINQ_MAX_SEQ_LENGTH=" + strconv.Itoa(h.MaxSeqLength),
	}
}

func toFloat(v any) (float64, error) {
	switch vv := v.(type) {
	case float64:
		return vv, nil
	case float32:
		return float64(vv), nil
	case int:
		return float64(vv), nil
	case int64:
		return float64(vv), nil
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number %q", vv)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
