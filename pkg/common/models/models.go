package models

import "time"

// Topics used by the studio server and the export worker.
const (
	TopicDatasetEvents         = "kiln.dataset.events"
	TopicDatasetExportRequests = "kiln.dataset.export-requests"
)

// Event types
const (
	EventDatasetSplitCreated    = "dataset_split.created"
	EventDatasetExportRequested = "dataset.export.requested"
	EventDatasetExported        = "dataset.exported"
	EventDatasetExportFailed    = "dataset.export_failed"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ExportRequest is the payload of a dataset.export.requested event.
type ExportRequest struct {
	TaskID               string `json:"task_id"`
	DatasetSplitID       string `json:"dataset_split_id"`
	SplitName            string `json:"split_name"`
	Format               string `json:"format"`
	SystemMessage        string `json:"system_message"`
	ThinkingInstructions string `json:"thinking_instructions,omitempty"`
	DataStrategy         string `json:"data_strategy,omitempty"`
}
