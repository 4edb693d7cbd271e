package bus

// Topics. Subscribers usually match on the prefix ("task.", "sync.").
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskUpdated       = "task.updated"
	TopicTaskEvent         = "task.event"

	TopicJobFinished = "job.finished"

	TopicTokenIssued = "broker.token_issued"

	TopicSyncRequested = "sync.requested"
	TopicSyncCompleted = "sync.completed"
)

// TaskChanged is the payload for every task.* topic.
type TaskChanged struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// JobFinished is published when a scheduled job run ends.
type JobFinished struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration_seconds"`
}

// SyncCompleted is published after each vault sync cycle.
type SyncCompleted struct {
	FilesChanged int    `json:"files_changed"`
	Error        string `json:"error,omitempty"`
}
