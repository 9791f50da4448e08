package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/redact"
)

// GeneratorError records one isolated plugin failure.
type GeneratorError struct {
	Plugin string `json:"plugin"`
	Error  string `json:"error"`
}

// PipelineResult is the aggregate outcome of a generator run.
type PipelineResult struct {
	Success    bool              `json:"success"`
	FailedCore string            `json:"failed_core,omitempty"`
	Artifacts  map[string]string `json:"artifacts"`
	Skipped    []string          `json:"skipped,omitempty"`
	Errors     []GeneratorError  `json:"_errors,omitempty"`
}

// AnalyzerResult is the aggregate outcome of an analyzer run.
type AnalyzerResult struct {
	Results map[string]any   `json:"results"`
	Errors  []GeneratorError `json:"_errors,omitempty"`
}

// Pipeline executes registered plugins in order.
type Pipeline struct {
	registry *Registry
	logger   *slog.Logger
	duration *prometheus.HistogramVec // optional, by plugin
}

// NewPipeline creates a pipeline over the given registry.
func NewPipeline(registry *Registry, logger *slog.Logger, duration *prometheus.HistogramVec) *Pipeline {
	return &Pipeline{registry: registry, logger: logger, duration: duration}
}

// RunGenerators executes every registered generator in order.
// A core generator failure stops the pipeline immediately; extended
// failures are logged, recorded in Errors, and execution continues.
// Feature-flagged generators whose flag is off are recorded as skipped.
// Artifact keys outside the canonical taxonomy are dropped and recorded
// as errors without failing the producing plugin.
func (p *Pipeline) RunGenerators(ctx context.Context, pc Context, settings Settings) PipelineResult {
	res := PipelineResult{Success: true, Artifacts: make(map[string]string)}

	for _, d := range p.registry.Generators() {
		if d.FeatureFlag != "" && !settings.FlagEnabled(d.FeatureFlag) {
			res.Skipped = append(res.Skipped, d.Name)
			p.logger.Debug("generator skipped by feature flag",
				"plugin", d.Name, "flag", d.FeatureFlag)
			continue
		}

		start := time.Now()
		artifacts, err := d.Generate(ctx, pc)
		elapsed := time.Since(start)
		if p.duration != nil {
			p.duration.WithLabelValues(d.Name).Observe(elapsed.Seconds())
		}

		if err != nil {
			if d.IsCore {
				p.logger.Error("core generator failed, stopping pipeline",
					"plugin", d.Name, "error", err, "elapsed", elapsed)
				res.Success = false
				res.FailedCore = d.Name
				return res
			}
			p.logger.Warn("extended generator failed, continuing",
				"plugin", d.Name, "error", err, "elapsed", elapsed)
			res.Errors = append(res.Errors, GeneratorError{
				Plugin: d.Name,
				Error:  redact.Error(err),
			})
			continue
		}

		for key, uri := range artifacts {
			if !ValidArtifactKey(key) {
				p.logger.Warn("generator emitted non-canonical artifact key, dropping",
					"plugin", d.Name, "key", key)
				res.Errors = append(res.Errors, GeneratorError{
					Plugin: d.Name,
					Error:  fmt.Sprintf("artifact key %q outside canonical taxonomy", key),
				})
				continue
			}
			res.Artifacts[key] = uri
		}
	}
	return res
}

// RunAnalyzers mirrors the generator policy for analyzers: a core
// analyzer failure aborts with the failing error, extended failures are
// captured into Errors.
func (p *Pipeline) RunAnalyzers(ctx context.Context, pc Context, settings Settings) (AnalyzerResult, error) {
	res := AnalyzerResult{Results: make(map[string]any)}

	for _, d := range p.registry.Analyzers() {
		if d.FeatureFlag != "" && !settings.FlagEnabled(d.FeatureFlag) {
			continue
		}

		start := time.Now()
		out, err := d.Analyze(ctx, pc)
		elapsed := time.Since(start)
		if p.duration != nil {
			p.duration.WithLabelValues(d.Name).Observe(elapsed.Seconds())
		}

		if err != nil {
			if d.IsCore {
				p.logger.Error("core analyzer failed, aborting",
					"plugin", d.Name, "error", err, "elapsed", elapsed)
				return res, fmt.Errorf("core analyzer %s: %w", d.Name, err)
			}
			p.logger.Warn("extended analyzer failed, continuing",
				"plugin", d.Name, "error", err, "elapsed", elapsed)
			res.Errors = append(res.Errors, GeneratorError{
				Plugin: d.Name,
				Error:  redact.Error(err),
			})
			continue
		}
		res.Results[d.Name] = out
	}
	return res, nil
}
