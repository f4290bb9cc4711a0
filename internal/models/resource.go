package models

// ResourceStatus is the connectivity state the health checks record on a resource.
type ResourceStatus string

const (
	ResourceUnknown ResourceStatus = "unknown"
	ResourceOK      ResourceStatus = "ok"
	ResourceFailed  ResourceStatus = "failed"
	ResourceRemoved ResourceStatus = "removed"
)

// ResourceUsage holds the statistics refreshed by the health service.
type ResourceUsage struct {
	RunningTasks   int   `json:"running_tasks"`
	ProbeLatencyMs int64 `json:"probe_latency_ms"`
	ProbeFailures  int   `json:"probe_failures"`
}
