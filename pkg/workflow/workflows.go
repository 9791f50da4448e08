package workflow

import (
	"context"
	"time"

	"github.com/somatechlat/voyant/pkg/queue"
)

// RegisterCoreWorkflows binds the built-in workflow definitions to
// their job types.
func RegisterCoreWorkflows(rt *Runtime) error {
	defs := map[string]Definition{
		queue.TypeIngest:  {Fn: IngestData, Timeout: 2 * time.Hour},
		queue.TypeProfile: {Fn: Profile, Timeout: 30 * time.Minute},
		queue.TypeAnalyze: {Fn: Analyze, Timeout: time.Hour},
		queue.TypeScrape:  {Fn: Scrape, Timeout: 2 * time.Hour},
		// Presets are canned analyze requests with pre-filled parameters.
		queue.TypePreset: {Fn: Analyze, Timeout: time.Hour},
	}
	for jobType, def := range defs {
		if err := rt.RegisterWorkflow(jobType, def); err != nil {
			return err
		}
	}
	return nil
}

// IngestData runs a single long ingestion activity with retries.
func IngestData(ctx context.Context, run *Run) (map[string]any, error) {
	result, err := run.Execute(ctx, "run_ingestion", run.Job.Parameters, Options{
		StartToClose: time.Hour,
		Retry: RetryPolicy{
			InitialInterval:   5 * time.Second,
			MaxInterval:       5 * time.Minute,
			Multiplier:        2,
			MaxAttempts:       5,
			NonRetryableKinds: DefaultRetryPolicy().NonRetryableKinds,
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Profile runs the profiling activity and reports the profile summary.
func Profile(ctx context.Context, run *Run) (map[string]any, error) {
	profile, err := run.Execute(ctx, "profile_data", run.Job.Parameters, Options{
		StartToClose: 15 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"profile": profile}, nil
}

// Analyze orchestrates the end-to-end analysis: profile, sample,
// analyzers, KPIs, generators. Sections are skipped when their flag is
// off or their inputs are empty.
func Analyze(ctx context.Context, run *Run) (map[string]any, error) {
	params := run.Job.Parameters

	var (
		profile   map[string]any
		analyzers map[string]any
		kpis      map[string]any
		artifacts map[string]any
		err       error
	)

	if getBool(params, "profile", true) {
		run.Progress(ctx, "profile", nil)
		profile, err = run.Execute(ctx, "profile_data", params, Options{
			StartToClose: 15 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}

	if getBool(params, "run_analyzers", true) {
		run.Progress(ctx, "analyzers", nil)
		sample, err := run.Execute(ctx, "fetch_sample", params, Options{
			StartToClose: 5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}

		analyzerParams := merge(params, map[string]any{"data": sample})
		analyzers, err = run.Execute(ctx, "run_analyzers", analyzerParams, Options{
			StartToClose: 10 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}

	if len(getMapSlice(params, "kpis")) > 0 {
		run.Progress(ctx, "kpis", nil)
		kpis, err = run.Execute(ctx, "run_kpis", params, Options{
			StartToClose: 10 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}

	if getBool(params, "generate_artifacts", true) {
		run.Progress(ctx, "generators", nil)
		genParams := merge(params, map[string]any{"profile": profile})
		if kpis != nil {
			genParams["kpis"] = kpis["kpis"]
		}
		artifacts, err = run.Execute(ctx, "run_generators", genParams, Options{
			StartToClose: 10 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
	}

	summary := map[string]any{
		"table": getString(params, "table"),
	}
	if profile != nil {
		summary["profile"] = profile
	}
	if analyzers != nil {
		summary["analyzers"] = analyzers
	}
	if kpis != nil {
		summary["kpis"] = kpis["kpis"]
	}
	if artifacts != nil {
		summary["generators"] = artifacts
	}
	return summary, nil
}

// Scrape fetches and extracts every URL, collecting per-URL failures
// instead of aborting on a single bad page, then finalizes the job.
func Scrape(ctx context.Context, run *Run) (map[string]any, error) {
	params := run.Job.Parameters
	urls := getStrings(params, "urls")
	options, _ := params["options"].(map[string]any)
	if options == nil {
		options = map[string]any{}
	}
	llmPrompt := getString(params, "llm_prompt")

	pagesFetched := 0
	bytesProcessed := 0
	var artifacts []any
	var urlErrors []any

	for _, url := range urls {
		if run.Cancelled() {
			break
		}

		result, err := scrapeOne(ctx, run, url, llmPrompt, options)
		if err != nil {
			urlErrors = append(urlErrors, map[string]any{
				"url":   url,
				"error": err.Error(),
			})
			continue
		}
		pagesFetched++
		bytesProcessed += result.bytes
		artifacts = append(artifacts, result.artifact)
	}

	finalizeParams := map[string]any{
		"job_id":          run.Job.ID,
		"pages_fetched":   pagesFetched,
		"bytes_processed": bytesProcessed,
		"artifact_count":  len(artifacts),
		"error_count":     len(urlErrors),
	}
	if _, err := run.Execute(ctx, "finalize_job", finalizeParams, Options{
		StartToClose: time.Minute,
	}); err != nil {
		return nil, err
	}

	// Success-with-errors: per-URL failures are part of the summary.
	return map[string]any{
		"pages_fetched":   pagesFetched,
		"bytes_processed": bytesProcessed,
		"artifacts":       artifacts,
		"errors":          urlErrors,
	}, nil
}

type scrapeResult struct {
	bytes    int
	artifact any
}

// scrapeOne runs the per-URL pipeline: fetch, extract, optional
// OCR/media, store.
func scrapeOne(ctx context.Context, run *Run, url, llmPrompt string, options map[string]any) (scrapeResult, error) {
	var res scrapeResult

	fetched, err := run.Execute(ctx, "fetch_page", map[string]any{
		"url":     url,
		"engine":  getString(options, "engine"),
		"actions": getSlice(options, "actions"),
	}, Options{
		StartToClose: 5 * time.Minute,
		Retry: RetryPolicy{
			InitialInterval:   200 * time.Millisecond,
			MaxInterval:       2 * time.Second,
			Multiplier:        2,
			MaxAttempts:       2,
			NonRetryableKinds: DefaultRetryPolicy().NonRetryableKinds,
		},
	})
	if err != nil {
		return res, err
	}
	html := getString(fetched, "html")
	res.bytes = len(html)

	var extracted map[string]any
	if llmPrompt != "" {
		extracted, err = run.Execute(ctx, "extract_with_llm", map[string]any{
			"html":       html,
			"llm_prompt": llmPrompt,
			"url":        url,
		}, Options{StartToClose: 2 * time.Minute})
	} else {
		extracted, err = run.Execute(ctx, "extract_basic", map[string]any{
			"html":      html,
			"selectors": getSlice(options, "selectors"),
			"url":       url,
		}, Options{StartToClose: time.Minute})
	}
	if err != nil {
		return res, err
	}

	if getBool(options, "ocr", false) && len(getSlice(extracted, "images")) > 0 {
		ocr, err := run.Execute(ctx, "process_ocr", map[string]any{
			"images": getSlice(extracted, "images"),
		}, Options{StartToClose: 5 * time.Minute})
		if err != nil {
			return res, err
		}
		extracted["ocr_text"] = getString(ocr, "text")
	}

	if getBool(options, "media", false) && len(getSlice(extracted, "media_urls")) > 0 {
		media, err := run.Execute(ctx, "process_media", map[string]any{
			"media_urls": getSlice(extracted, "media_urls"),
		}, Options{StartToClose: 10 * time.Minute})
		if err != nil {
			return res, err
		}
		extracted["transcriptions"] = media["transcriptions"]
	}

	stored, err := run.Execute(ctx, "store_artifact", map[string]any{
		"job_id": run.Job.ID,
		"url":    url,
		"data":   extracted,
	}, Options{StartToClose: 2 * time.Minute})
	if err != nil {
		return res, err
	}
	res.artifact = stored
	return res, nil
}

// merge copies base and overlays extra on top.
func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
