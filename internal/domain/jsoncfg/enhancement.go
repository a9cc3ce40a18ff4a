package jsoncfg

import (
	"fmt"
	"strings"
)

// Enhancement stage names, in execution order.
const (
	StageValidation     = "validation"
	StageRewrite        = "rewrite"
	StageTechnicalCheck = "technical_check"
)

// Tuning carries hardware-oriented generation knobs. The pipeline forwards
// them to the LLM adapter without interpreting them.
type Tuning struct {
	ContextWindow int     `json:"num_ctx,omitempty"`
	BatchSize     int     `json:"num_batch,omitempty"`
	Threads       int     `json:"num_thread,omitempty"`
	GPULayers     int     `json:"num_gpu,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
}

// Merge fills zero fields of t from fallback.
func (t Tuning) Merge(fallback Tuning) Tuning {
	if t.ContextWindow == 0 {
		t.ContextWindow = fallback.ContextWindow
	}
	if t.BatchSize == 0 {
		t.BatchSize = fallback.BatchSize
	}
	if t.Threads == 0 {
		t.Threads = fallback.Threads
	}
	if t.GPULayers == 0 {
		t.GPULayers = fallback.GPULayers
	}
	if t.Temperature == 0 {
		t.Temperature = fallback.Temperature
	}
	return t
}

// StageConfig configures one enhancement stage.
type StageConfig struct {
	Enabled     bool   `json:"enabled"`
	Model       string `json:"model,omitempty"`
	CustomModel string `json:"custom_model,omitempty"`
	Tuning      Tuning `json:"tuning,omitempty"`
}

// ResolveModel picks the custom model, then the stage model, then the
// pipeline default.
func (s StageConfig) ResolveModel(pipelineDefault string) string {
	if m := strings.TrimSpace(s.CustomModel); m != "" {
		return m
	}
	if m := strings.TrimSpace(s.Model); m != "" {
		return m
	}
	return strings.TrimSpace(pipelineDefault)
}

// EnhancementConfig is the per-job snapshot of the LLM enhancement pipeline.
type EnhancementConfig struct {
	Enabled        bool        `json:"enabled"`
	DefaultModel   string      `json:"default_model,omitempty"`
	SmartGating    bool        `json:"smart_gating,omitempty"`
	Validation     StageConfig `json:"validation"`
	Rewrite        StageConfig `json:"rewrite"`
	TechnicalCheck StageConfig `json:"technical_check"`
	Tuning         Tuning      `json:"tuning,omitempty"`
}

// Normalize applies the fallback model and enables the validation and
// rewrite stages when the pipeline is on but no stage was chosen.
func (e *EnhancementConfig) Normalize(fallbackModel string) {
	if e == nil {
		return
	}
	e.DefaultModel = strings.TrimSpace(e.DefaultModel)
	if e.DefaultModel == "" {
		e.DefaultModel = strings.TrimSpace(fallbackModel)
	}
	if e.Enabled && !e.Validation.Enabled && !e.Rewrite.Enabled && !e.TechnicalCheck.Enabled {
		e.Validation.Enabled = true
		e.Rewrite.Enabled = true
	}
}

// Validate ensures every enabled stage resolves to a model.
func (e EnhancementConfig) Validate() error {
	if !e.Enabled {
		return nil
	}
	for name, stage := range e.Stages() {
		if stage.Enabled && stage.ResolveModel(e.DefaultModel) == "" {
			return fmt.Errorf("enhancement stage %s has no model", name)
		}
	}
	return nil
}

// Stages returns the stage configs keyed by stage name.
func (e EnhancementConfig) Stages() map[string]StageConfig {
	return map[string]StageConfig{
		StageValidation:     e.Validation,
		StageRewrite:        e.Rewrite,
		StageTechnicalCheck: e.TechnicalCheck,
	}
}

// Active reports whether at least one stage would run.
func (e EnhancementConfig) Active() bool {
	return e.Enabled && (e.Validation.Enabled || e.Rewrite.Enabled || e.TechnicalCheck.Enabled)
}
