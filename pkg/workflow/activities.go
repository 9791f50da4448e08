package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/analytics"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/breaker"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/fault"
	"github.com/somatechlat/voyant/pkg/lineage"
	"github.com/somatechlat/voyant/pkg/plugin"
)

// Collaborator interfaces. The core invokes these; the concrete
// connectors, analyzer algorithms, and storage backends live outside it.

// Ingestor runs a source ingestion to completion.
type Ingestor interface {
	RunIngestion(ctx context.Context, sourceID string, params map[string]any) (map[string]any, error)
}

// Profiler computes a dataset profile.
type Profiler interface {
	ProfileData(ctx context.Context, sourceID, table string, sampleSize int) (map[string]any, error)
}

// Sampler fetches a bounded sample of rows for analysis.
type Sampler interface {
	FetchSample(ctx context.Context, table string, sampleSize int) (map[string]any, error)
}

// KPIEngine evaluates KPI definitions against the current data.
type KPIEngine interface {
	RunKPIs(ctx context.Context, kpis []map[string]any) ([]map[string]any, error)
}

// PageFetcher retrieves a page with the requested engine.
type PageFetcher interface {
	FetchPage(ctx context.Context, url, engine string, actions []any) (string, error)
}

// Extractor pulls structured data out of fetched HTML.
type Extractor interface {
	ExtractWithLLM(ctx context.Context, html, prompt, url string) (map[string]any, error)
	ExtractBasic(ctx context.Context, html string, selectors []any, url string) (map[string]any, error)
}

// MediaProcessor handles optional OCR and media transcription.
type MediaProcessor interface {
	ProcessOCR(ctx context.Context, images []any) (string, error)
	ProcessMedia(ctx context.Context, mediaURLs []any) ([]any, error)
}

// ArtifactWriter persists raw scrape output and returns its reference.
type ArtifactWriter interface {
	Write(ctx context.Context, tenantID, jobID, kind string, data map[string]any) (artifact.Reference, error)
}

// ActivityDeps bundles everything the built-in activities need.
type ActivityDeps struct {
	Clock     clock.Clock
	Breakers  *breaker.Registry
	Pipeline  *plugin.Pipeline
	Bus       *events.Bus
	Artifacts artifact.Store
	Analytics *analytics.Gate // serializes shared analytical-store access; optional
	Lineage   *lineage.Writer // optional
	Settings  plugin.Settings

	Ingestor  Ingestor
	Profiler  Profiler
	Sampler   Sampler
	KPIs      KPIEngine
	Fetcher   PageFetcher
	Extractor Extractor
	Media     MediaProcessor
	Writer    ArtifactWriter
}

// Breaker service names used by the built-in activities.
const (
	ServiceIngestion = "ingestion"
	ServiceAnalytics = "analytics"
	ServiceScraper   = "scraper"
	ServiceLLM       = "llm"
	ServiceMedia     = "media"
)

// gate serializes access to the shared analytical store. Activities
// that read or write the embedded store run their collaborator call
// under it; without a configured gate the call runs directly.
func (d ActivityDeps) gate(ctx context.Context, fn func() error) error {
	if d.Analytics == nil {
		return fn()
	}
	return d.Analytics.With(ctx, fn)
}

// external classifies an unmarked collaborator failure as
// transient-external so the retry policy treats it as such. Errors the
// collaborator already classified pass through.
func external(err error) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.KindInternal {
		return err
	}
	return fault.Wrap(fault.KindTransientExternal, "external_failure", err)
}

// qualityAlertThresholds map a quality score to alert severity.
const (
	qualityWarnBelow     = 0.8
	qualityCriticalBelow = 0.5
)

// RegisterActivities installs the built-in activity implementations
// into the executor. Every external-service call runs behind its named
// circuit breaker.
func RegisterActivities(e *Executor, deps ActivityDeps) error {
	register := func(name string, fn ActivityFunc) error {
		return e.RegisterActivity(name, fn)
	}

	steps := []struct {
		name string
		fn   ActivityFunc
	}{
		{"run_ingestion", deps.runIngestion},
		{"profile_data", deps.profileData},
		{"fetch_sample", deps.fetchSample},
		{"run_analyzers", deps.runAnalyzers},
		{"run_kpis", deps.runKPIs},
		{"run_generators", deps.runGenerators},
		{"fetch_page", deps.fetchPage},
		{"extract_with_llm", deps.extractWithLLM},
		{"extract_basic", deps.extractBasic},
		{"process_ocr", deps.processOCR},
		{"process_media", deps.processMedia},
		{"store_artifact", deps.storeArtifact},
		{"finalize_job", deps.finalizeJob},
	}
	for _, s := range steps {
		if err := register(s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (d ActivityDeps) runIngestion(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Ingestor == nil {
		return nil, fault.Internal("no_ingestor", "ingestion collaborator is not configured")
	}
	sourceID := getString(act.Params, "source_id")
	if sourceID == "" {
		return nil, fault.Validation("missing_source", "source_id is required")
	}

	var result map[string]any
	err := d.Breakers.Get(ServiceIngestion).Call(ctx, func(ctx context.Context) error {
		var err error
		result, err = d.Ingestor.RunIngestion(ctx, sourceID, act.Params)
		return external(err)
	})
	if err != nil {
		return nil, err
	}

	d.Bus.Emit(ctx, events.TopicBilling, events.Event{
		Type:     events.TypeBillingUsage,
		TenantID: act.TenantID,
		Payload: map[string]any{
			"metric_name": events.MetricRowsIngested,
			"value":       getFloat(result, "rows_ingested"),
			"job_id":      act.JobID,
			"source_id":   sourceID,
		},
	})
	return result, nil
}

func (d ActivityDeps) profileData(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Profiler == nil {
		return nil, fault.Internal("no_profiler", "profile collaborator is not configured")
	}
	table := getString(act.Params, "table")
	if table == "" {
		table = getString(act.Params, "source_id")
	}
	if table == "" {
		return nil, fault.Validation("missing_table", "table or source_id is required")
	}

	var profile map[string]any
	err := d.Breakers.Get(ServiceAnalytics).Call(ctx, func(ctx context.Context) error {
		return external(d.gate(ctx, func() error {
			var err error
			profile, err = d.Profiler.ProfileData(ctx, getString(act.Params, "source_id"), table, getInt(act.Params, "sample_size", 10000))
			return err
		}))
	})
	if err != nil {
		return nil, err
	}

	if score, ok := qualityScore(profile); ok && score < qualityWarnBelow {
		severity := "warning"
		if score < qualityCriticalBelow {
			severity = "critical"
		}
		d.Bus.Emit(ctx, events.TopicQuality, events.Event{
			Type:     events.TypeQualityAlert,
			TenantID: act.TenantID,
			Payload: map[string]any{
				"source_id":     getString(act.Params, "source_id"),
				"score":         score,
				"failed_checks": failedChecks(profile),
				"severity":      severity,
			},
		})
	}

	if d.Lineage != nil {
		d.Lineage.Record(lineage.Edge{
			From:     table,
			To:       "profile.json",
			EdgeType: "profiled",
			JobID:    act.JobID,
			TenantID: act.TenantID,
		})
	}
	return profile, nil
}

func (d ActivityDeps) fetchSample(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Sampler == nil {
		return nil, fault.Internal("no_sampler", "sample collaborator is not configured")
	}
	var sample map[string]any
	err := d.Breakers.Get(ServiceAnalytics).Call(ctx, func(ctx context.Context) error {
		return external(d.gate(ctx, func() error {
			var err error
			sample, err = d.Sampler.FetchSample(ctx, getString(act.Params, "table"), getInt(act.Params, "sample_size", 10000))
			return err
		}))
	})
	return sample, err
}

func (d ActivityDeps) runAnalyzers(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	pc := pluginContext(act)
	if data, ok := act.Params["data"].(map[string]any); ok {
		pc.Data = data
	}

	var res plugin.AnalyzerResult
	if err := d.gate(ctx, func() error {
		var err error
		res, err = d.Pipeline.RunAnalyzers(ctx, pc, d.Settings)
		return err
	}); err != nil {
		// Core analyzer failures abort the workflow without retry.
		return nil, fault.Wrap(fault.KindValidation, "core_analyzer_failed", err)
	}

	out := map[string]any{"results": res.Results}
	if len(res.Errors) > 0 {
		out["_errors"] = res.Errors
	}
	return out, nil
}

func (d ActivityDeps) runKPIs(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.KPIs == nil {
		return nil, fault.Internal("no_kpi_engine", "KPI collaborator is not configured")
	}
	kpis := getMapSlice(act.Params, "kpis")

	var results []map[string]any
	err := d.Breakers.Get(ServiceAnalytics).Call(ctx, func(ctx context.Context) error {
		return external(d.gate(ctx, func() error {
			var err error
			results, err = d.KPIs.RunKPIs(ctx, kpis)
			return err
		}))
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"kpis": results}, nil
}

func (d ActivityDeps) runGenerators(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	pc := pluginContext(act)
	if profile, ok := act.Params["profile"].(map[string]any); ok {
		pc.Profile = profile
	}
	pc.KPIs = getMapSlice(act.Params, "kpis")

	res := d.Pipeline.RunGenerators(ctx, pc, d.Settings)
	out := map[string]any{
		"success":   res.Success,
		"artifacts": res.Artifacts,
	}
	if len(res.Errors) > 0 {
		out["_errors"] = res.Errors
	}
	if len(res.Skipped) > 0 {
		out["skipped"] = res.Skipped
	}
	if !res.Success {
		out["failed_core"] = res.FailedCore
		return out, fault.New(fault.KindValidation, "core_generator_failed",
			"core generator %s failed", res.FailedCore)
	}

	// Link produced artifacts so the job owns them.
	source := getString(act.Params, "table")
	if source == "" {
		source = getString(act.Params, "source_id")
	}
	for key, uri := range res.Artifacts {
		ref := artifact.Reference{
			JobID:    act.JobID,
			TenantID: act.TenantID,
			Kind:     key,
			URI:      uri,
			Format:   formatOf(key),
		}
		if err := d.Artifacts.Link(ctx, ref); err != nil {
			return out, fmt.Errorf("linking artifact %s: %w", key, err)
		}
		if d.Lineage != nil && source != "" {
			d.Lineage.Record(lineage.Edge{
				From:     source,
				To:       key,
				EdgeType: "produced",
				JobID:    act.JobID,
				TenantID: act.TenantID,
			})
		}
	}
	return out, nil
}

func (d ActivityDeps) fetchPage(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Fetcher == nil {
		return nil, fault.Internal("no_fetcher", "page fetch collaborator is not configured")
	}
	url := getString(act.Params, "url")
	if url == "" {
		return nil, fault.Validation("missing_url", "url is required")
	}

	var html string
	err := d.Breakers.Get(ServiceScraper).Call(ctx, func(ctx context.Context) error {
		var err error
		html, err = d.Fetcher.FetchPage(ctx, url, getString(act.Params, "engine"), getSlice(act.Params, "actions"))
		return external(err)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":        url,
		"html":       html,
		"fetched_at": d.Clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (d ActivityDeps) extractWithLLM(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Extractor == nil {
		return nil, fault.Internal("no_extractor", "extraction collaborator is not configured")
	}
	var out map[string]any
	err := d.Breakers.Get(ServiceLLM).Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = d.Extractor.ExtractWithLLM(ctx,
			getString(act.Params, "html"), getString(act.Params, "llm_prompt"), getString(act.Params, "url"))
		return external(err)
	})
	return out, err
}

func (d ActivityDeps) extractBasic(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Extractor == nil {
		return nil, fault.Internal("no_extractor", "extraction collaborator is not configured")
	}
	return d.Extractor.ExtractBasic(ctx,
		getString(act.Params, "html"), getSlice(act.Params, "selectors"), getString(act.Params, "url"))
}

func (d ActivityDeps) processOCR(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Media == nil {
		return nil, fault.Internal("no_media", "media collaborator is not configured")
	}
	var text string
	err := d.Breakers.Get(ServiceMedia).Call(ctx, func(ctx context.Context) error {
		var err error
		text, err = d.Media.ProcessOCR(ctx, getSlice(act.Params, "images"))
		return external(err)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (d ActivityDeps) processMedia(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Media == nil {
		return nil, fault.Internal("no_media", "media collaborator is not configured")
	}
	var transcriptions []any
	err := d.Breakers.Get(ServiceMedia).Call(ctx, func(ctx context.Context) error {
		var err error
		transcriptions, err = d.Media.ProcessMedia(ctx, getSlice(act.Params, "media_urls"))
		return external(err)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"transcriptions": transcriptions}, nil
}

func (d ActivityDeps) storeArtifact(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	if d.Writer == nil {
		return nil, fault.Internal("no_writer", "artifact writer collaborator is not configured")
	}
	data, _ := act.Params["data"].(map[string]any)
	ref, err := d.Writer.Write(ctx, act.TenantID, act.JobID, "manifest.json", data)
	if err != nil {
		return nil, err
	}
	if err := d.Artifacts.Link(ctx, ref); err != nil {
		return nil, fmt.Errorf("linking scrape artifact: %w", err)
	}

	if ref.SizeBytes > 0 {
		d.Bus.Emit(ctx, events.TopicBilling, events.Event{
			Type:     events.TypeBillingUsage,
			TenantID: act.TenantID,
			Payload: map[string]any{
				"metric_name": events.MetricStorageGB,
				"value":       float64(ref.SizeBytes) / (1 << 30),
				"job_id":      act.JobID,
			},
		})
	}
	return map[string]any{
		"artifact_id": ref.ID,
		"uri":         ref.URI,
		"size_bytes":  ref.SizeBytes,
	}, nil
}

func (d ActivityDeps) finalizeJob(ctx context.Context, act *ActivityContext) (map[string]any, error) {
	// Each fetched page is a metered external call.
	d.Bus.Emit(ctx, events.TopicBilling, events.Event{
		Type:     events.TypeBillingUsage,
		TenantID: act.TenantID,
		Payload: map[string]any{
			"metric_name": events.MetricAPICalls,
			"value":       float64(getInt(act.Params, "pages_fetched", 0)),
			"job_id":      act.JobID,
		},
	})
	return map[string]any{
		"pages_fetched":   getInt(act.Params, "pages_fetched", 0),
		"bytes_processed": getInt(act.Params, "bytes_processed", 0),
		"artifact_count":  getInt(act.Params, "artifact_count", 0),
		"error_count":     getInt(act.Params, "error_count", 0),
	}, nil
}

func pluginContext(act *ActivityContext) plugin.Context {
	return plugin.Context{
		JobID:    act.JobID,
		TenantID: act.TenantID,
		SourceID: getString(act.Params, "source_id"),
		Table:    getString(act.Params, "table"),
		Tables:   getStrings(act.Params, "tables"),
	}
}

// qualityScore extracts a profile's quality score when present.
func qualityScore(profile map[string]any) (float64, bool) {
	v, ok := profile["quality_score"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func failedChecks(profile map[string]any) []any {
	if v, ok := profile["failed_checks"].([]any); ok {
		return v
	}
	return []any{}
}

// formatOf derives the artifact format from its canonical key extension.
func formatOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[i+1:]
		}
	}
	return ""
}

// Param helpers: workflow parameters arrive as decoded JSON, so values
// are strings, float64s, []any, and map[string]any.

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getBool(m map[string]any, key string, def bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return def
	}
	return b
}

func getSlice(m map[string]any, key string) []any {
	s, _ := m[key].([]any)
	return s
}

func getStrings(m map[string]any, key string) []string {
	raw := getSlice(m, key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMapSlice(m map[string]any, key string) []map[string]any {
	switch v := m[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if mm, ok := item.(map[string]any); ok {
				out = append(out, mm)
			}
		}
		return out
	default:
		return nil
	}
}
