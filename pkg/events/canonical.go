package events

// Canonical event types emitted by the execution core.
const (
	TypeJobCreated   = "job.created"
	TypeJobStarted   = "job.started"
	TypeJobProgress  = "job.progress"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
	TypeQualityAlert = "quality.alert"
	TypeBillingUsage = "billing.usage"
	TypeLineageEdge  = "lineage.edge"
	TypeSchemaDrift  = "schema.drift"
)

// Billing metric codes carried in billing.usage payloads. The billing
// collaborator maps these onto its own metric catalog.
const (
	MetricSourcesConnected = "sources_connected"
	MetricRowsIngested     = "rows_ingested"
	MetricQueriesExecuted  = "queries_executed"
	MetricStorageGB        = "storage_gb"
	MetricAPICalls         = "api_calls"
)

// Topic keys. The transport maps these to its own topic names; the
// partitioning key is always tenant_id to preserve per-tenant ordering.
const (
	TopicJobs    = "jobs"
	TopicQuality = "quality"
	TopicBilling = "billing"
	TopicLineage = "lineage"
)

func jobLifecycleFields() []FieldSpec {
	return []FieldSpec{
		{Name: "job_id", Type: TypeString, Required: true},
		{Name: "job_type", Type: TypeString, Required: true},
		{Name: "status", Type: TypeEnum, Required: true,
			EnumValues: []string{"queued", "running", "completed", "failed", "cancelled"}},
	}
}

// RegisterCanonicalSchemas installs version 1.0.0 of every event schema
// the core emits. Called once at startup; tests may register their own
// registries instead.
func RegisterCanonicalSchemas(r *SchemaRegistry) {
	r.Register(Schema{
		Name: TypeJobCreated, Version: "1.0.0",
		Fields: append(jobLifecycleFields(),
			FieldSpec{Name: "priority", Type: TypeInt, Required: false},
			FieldSpec{Name: "queue_position", Type: TypeInt, Required: false},
		),
	})
	r.Register(Schema{
		Name: TypeJobStarted, Version: "1.0.0",
		Fields: append(jobLifecycleFields(),
			FieldSpec{Name: "worker_id", Type: TypeString, Required: false},
			FieldSpec{Name: "attempt", Type: TypeInt, Required: false},
		),
	})
	r.Register(Schema{
		Name: TypeJobProgress, Version: "1.0.0",
		Fields: []FieldSpec{
			{Name: "job_id", Type: TypeString, Required: true},
			{Name: "stage", Type: TypeString, Required: true},
			{Name: "detail", Type: TypeObject, Required: false},
		},
	})
	r.Register(Schema{
		Name: TypeJobCompleted, Version: "1.0.0",
		Fields: append(jobLifecycleFields(),
			FieldSpec{Name: "summary", Type: TypeObject, Required: false},
			FieldSpec{Name: "duration_seconds", Type: TypeFloat, Required: false},
		),
	})
	r.Register(Schema{
		Name: TypeJobFailed, Version: "1.0.0",
		Fields: append(jobLifecycleFields(),
			FieldSpec{Name: "error_kind", Type: TypeString, Required: true},
			FieldSpec{Name: "error_code", Type: TypeString, Required: false},
			FieldSpec{Name: "error_message", Type: TypeString, Required: false},
		),
	})
	r.Register(Schema{
		Name: TypeJobCancelled, Version: "1.0.0",
		Fields: jobLifecycleFields(),
	})
	r.Register(Schema{
		Name: TypeQualityAlert, Version: "1.0.0",
		Fields: []FieldSpec{
			{Name: "source_id", Type: TypeString, Required: true},
			{Name: "score", Type: TypeFloat, Required: true},
			{Name: "failed_checks", Type: TypeArray, Required: true},
			{Name: "severity", Type: TypeEnum, Required: true,
				EnumValues: []string{"warning", "critical"}},
		},
	})
	r.Register(Schema{
		Name: TypeBillingUsage, Version: "1.0.0",
		Fields: []FieldSpec{
			{Name: "metric_name", Type: TypeString, Required: true},
			{Name: "value", Type: TypeFloat, Required: true},
			{Name: "job_id", Type: TypeString, Required: false},
		},
		AdditionalProperties: true,
	})
	r.Register(Schema{
		Name: TypeLineageEdge, Version: "1.0.0",
		Fields: []FieldSpec{
			{Name: "from", Type: TypeString, Required: true},
			{Name: "to", Type: TypeString, Required: true},
			{Name: "edge_type", Type: TypeString, Required: true},
			{Name: "job_id", Type: TypeString, Required: false},
		},
	})
	r.Register(Schema{
		Name: TypeSchemaDrift, Version: "1.0.0",
		Fields: []FieldSpec{
			{Name: "source_id", Type: TypeString, Required: true},
			{Name: "version", Type: TypeInt, Required: true},
			{Name: "changes", Type: TypeObject, Required: false},
		},
	})
}
