package queue

import "time"

// EventType tags one durable log record. The vocabulary is closed; replay
// switches over it exhaustively.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskStarted   EventType = "task_started"
	EventTaskPaused    EventType = "task_paused"
	EventTaskResumed   EventType = "task_resumed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskRemoved   EventType = "task_removed"
)

// Event is one immutable transition record, serialized as a single JSON line.
// Payload fields are populated per type: task_added carries url/kind/format/
// output_path, task_completed carries output_path/size, task_failed carries
// reason/class. The rest need only the id and timestamp.
type Event struct {
	Type       EventType    `json:"type"`
	TaskID     string       `json:"task_id"`
	Timestamp  time.Time    `json:"ts"`
	URL        string       `json:"url,omitempty"`
	Kind       string       `json:"kind,omitempty"`
	Format     string       `json:"format,omitempty"`
	OutputPath string       `json:"output_path,omitempty"`
	Size       int64        `json:"size,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Class      FailureClass `json:"class,omitempty"`
	Retry      bool         `json:"retry,omitempty"`
}

// NotificationKind is the outward-facing event vocabulary for subscribers
// (API clients, the websocket hub). Distinct from the durable log types.
type NotificationKind string

const (
	NoteStatusChanged NotificationKind = "task_status_changed"
	NoteProgress      NotificationKind = "download_progress"
	NoteCompleted     NotificationKind = "download_completed"
	NoteFailed        NotificationKind = "download_failed"
	NoteRemoved       NotificationKind = "task_removed"
)

// Notification is delivered asynchronously to subscribers. Slow subscribers
// lose notifications rather than ever blocking the Manager.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	TaskID     string           `json:"task_id"`
	Status     Status           `json:"status"`
	Progress   int64            `json:"progress,omitempty"`
	TotalSize  int64            `json:"total_size,omitempty"`
	OutputPath string           `json:"output_path,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Class      FailureClass     `json:"class,omitempty"`
	Timestamp  time.Time        `json:"ts"`
}
