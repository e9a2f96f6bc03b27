package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on context loggers through a pipeline stage.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldObjectID  = "object_id"
	FieldSourceID  = "source_id"
	FieldGUID      = "guid"
	FieldStage     = "stage"
	FieldComponent = "component"
	FieldQueue     = "queue"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
)
