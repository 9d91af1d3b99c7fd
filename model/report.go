package model

// EvaluationReport aggregates one Evaluate call.
type EvaluationReport struct {
	HooksEvaluated    int       `json:"hooksEvaluated"`
	HooksTriggered    int       `json:"hooksTriggered"`
	WorkflowsExecuted int       `json:"workflowsExecuted"`
	DurationMs        int64     `json:"durationMs"`
	GraphRevision     uint64    `json:"graphRevision"`
	Runs              []Receipt `json:"runs"`
}

// HookSummary is the read-only listing entry for a loaded hook.
type HookSummary struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Signals       []string `json:"signals,omitempty"`
	FileFilter    string   `json:"fileFilter,omitempty"`
	PredicateKind string   `json:"predicateKind"`
	Pipelines     int      `json:"pipelines"`
}

// QueueStatus reports queue runtime counters.
type QueueStatus struct {
	Depth     int   `json:"depth"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
}

// WorkerStatus reports worker pool counters.
type WorkerStatus struct {
	Threads  int   `json:"threads"`
	Active   int64 `json:"active"`
	Total    int64 `json:"total"`
	Recycled int64 `json:"recycled"`
}

// ReceiptStatus reports receipt writer counters.
type ReceiptStatus struct {
	Pending int   `json:"pending"`
	Written int64 `json:"written"`
}

// SnapshotStatus reports snapshot store counters.
type SnapshotStatus struct {
	Stored int64 `json:"stored"`
	Keys   int   `json:"keys"`
}

// StatusReport is the runtime counter view exposed by the facade.
type StatusReport struct {
	Queue     QueueStatus    `json:"queue"`
	Workers   WorkerStatus   `json:"workers"`
	Receipts  ReceiptStatus  `json:"receipts"`
	Snapshots SnapshotStatus `json:"snapshots"`
}
