package service

import (
	"strings"
)

// CreateRequest is a training job submission
type CreateRequest struct {
	Provider        string         `json:"provider,omitempty" jsonschema:"description=provider tag stored with the job,default=generic-http"`
	DatasetPath     string         `json:"datasetPath" jsonschema:"description=path to jsonl chat dataset"`
	DatasetTier     string         `json:"datasetTier,omitempty" jsonschema:"description=dataset tier label,default=curated"`
	BaseModel       string         `json:"baseModel,omitempty" jsonschema:"description=base model id or alias"`
	AdapterName     string         `json:"adapterName,omitempty" jsonschema:"description=adapter name; sanitized,default=luna-adapter"`
	OutputDir       string         `json:"outputDir" jsonschema:"description=directory for adapter output"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty" jsonschema:"description=training knobs like learningRate epochs batchSize rank alpha dropout"`
	Metadata        map[string]any `json:"metadata,omitempty" jsonschema:"description=opaque caller metadata echoed in the result"`
}

const (
	defaultProvider    = "generic-http"
	defaultDatasetTier = "curated"
	defaultAdapterName = "luna-adapter"
	fallbackAdapter    = "lora-adapter"
)

// withDefaults returns a copy of the request with empty optional fields filled
func (r CreateRequest) withDefaults() CreateRequest {
	r.Provider = strings.TrimSpace(r.Provider)
	if r.Provider == "" {
		r.Provider = defaultProvider
	}
	r.DatasetTier = strings.TrimSpace(r.DatasetTier)
	if r.DatasetTier == "" {
		r.DatasetTier = defaultDatasetTier
	}
	if strings.TrimSpace(r.AdapterName) == "" {
		r.AdapterName = defaultAdapterName
	}
	if r.Hyperparameters == nil {
		r.Hyperparameters = map[string]any{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r
}

// SanitizeAdapterName lowercases the name, replaces anything but letters, digits, "-", "_" and "."
// with "-", collapses repeated dashes and trims them from both ends. Empty or dots-only result gives "lora-adapter".
func SanitizeAdapterName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	res := b.String()
	for strings.Contains(res, "--") {
		res = strings.ReplaceAll(res, "--", "-")
	}
	res = strings.Trim(res, "-")
	if strings.Trim(res, ".") == "" { // empty, "." or ".." can't be a directory inside output dir
		return fallbackAdapter
	}
	return res
}
