package service

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBaseModel used when neither request nor config sets one
const DefaultBaseModel = "Qwen/Qwen2.5-0.5B-Instruct"

// DefaultAliases maps short model names to full model ids
var DefaultAliases = map[string]string{
	"llama3:8b":    "meta-llama/Llama-3.1-8B-Instruct",
	"llama3.1:8b":  "meta-llama/Llama-3.1-8B-Instruct",
	"qwen2.5:7b":   "Qwen/Qwen2.5-7B-Instruct",
	"qwen2.5:0.5b": "Qwen/Qwen2.5-0.5B-Instruct",
}

// Models resolves requested base model to a model id
type Models struct {
	Default string            `yaml:"default"`
	Aliases map[string]string `yaml:"aliases"`
}

// LoadModels reads models yaml file, like
//
//	default: Qwen/Qwen2.5-0.5B-Instruct
//	aliases:
//	  qwen2.5:7b: Qwen/Qwen2.5-7B-Instruct
//
// Empty path gives built-in defaults. Aliases from file replace the built-in ones.
func LoadModels(path string) (*Models, error) {
	res := &Models{Default: DefaultBaseModel, Aliases: DefaultAliases}
	if path == "" {
		return res, nil
	}
	data, err := os.ReadFile(path) //nolint gosec
	if err != nil {
		return nil, fmt.Errorf("can't read models file %s: %w", path, err)
	}
	var cfg Models
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse models file %s: %w", path, err)
	}
	if d := strings.TrimSpace(cfg.Default); d != "" {
		res.Default = d
	}
	if len(cfg.Aliases) > 0 {
		res.Aliases = make(map[string]string, len(cfg.Aliases))
		for k, v := range cfg.Aliases {
			res.Aliases[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return res, nil
}

// Resolve returns model id for the requested name, alias lookup is case-insensitive
func (m *Models) Resolve(name string) string {
	candidate := strings.TrimSpace(name)
	if candidate == "" {
		candidate = m.Default
	}
	if candidate == "" {
		candidate = DefaultBaseModel
	}
	if mapped, ok := m.Aliases[strings.ToLower(candidate)]; ok && mapped != "" {
		return mapped
	}
	return candidate
}
