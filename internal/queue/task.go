package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the closed set of task states. Transitions are owned exclusively
// by the Manager; everything else sees snapshots.
type Status int

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusQueued:      "queued",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusCompleted:   "completed",
	StatusFailed:      "failed",
	StatusCancelled:   "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the state requires explicit removal to disappear.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusQueued, fmt.Errorf("unknown task status %q", name)
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalTransition = errors.New("operation not legal in current task state")
)

// Task is one unit of work. The Manager owns the canonical copy; Tasks() and
// notifications hand out value copies only.
type Task struct {
	ID             string       `json:"id"`
	URL            string       `json:"url"`
	Kind           string       `json:"kind"`
	Format         string       `json:"format,omitempty"`
	OutputPath     string       `json:"output_path"`
	Status         Status       `json:"status"`
	Progress       int64        `json:"progress"`
	TotalSize      int64        `json:"total_size"`
	LastProgressAt time.Time    `json:"last_progress_at,omitzero"`
	LastError      string       `json:"last_error,omitempty"`
	FailureClass   FailureClass `json:"failure_class,omitempty"`
	Retry          bool         `json:"retry"`
	Stalled        bool         `json:"stalled"` // derived in snapshots, never stored
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func illegalTransition(op string, id string, s Status) error {
	return fmt.Errorf("%w: cannot %s task %s while %s", ErrIllegalTransition, op, id, s)
}
