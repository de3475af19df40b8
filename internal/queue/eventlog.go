package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tugdl/tug/internal/logx"
)

// EventLog is the append-only transition record. Append flushes to disk
// before returning; a transition is not committed until its record is
// durable. Reads tolerate malformed lines so a crash mid-write never bricks
// startup.
type EventLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating event log directory: %v", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening event log: %v", err)
	}
	return &EventLog{path: path, file: file}, nil
}

// Append writes one record and syncs it. Returning nil means the record is on
// disk.
func (l *EventLog) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error encoding event: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("event log is closed")
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("error appending event: %v", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("error flushing event log: %v", err)
	}
	return nil
}

// ReadEvents returns the full ordered sequence. Malformed lines (partial
// trailing writes, editor accidents) are skipped with a warning and replay
// continues.
func (l *EventLog) ReadEvents() ([]Event, error) {
	log := logx.Get("eventlog")
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error opening event log for read: %v", err)
	}
	defer file.Close()

	var events []Event
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			log.Warn().Int("line", lineNo).Msgf("skipping malformed event record: %v", err)
			continue
		}
		if ev.Type == "" || ev.TaskID == "" {
			skipped++
			log.Warn().Int("line", lineNo).Msg("skipping event record with missing type or task id")
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning event log: %v", err)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Int("replayed", len(events)).Msg("event log contained bad records")
	}
	return events, nil
}

// Rehydrate folds an event sequence into the task table it describes. A task
// whose last lifecycle event is task_started comes back Paused, never
// Downloading: a fresh process must not relaunch every download that was
// in flight when the previous one died. task_removed deletes the task no
// matter what preceded it.
func Rehydrate(events []Event) map[string]*Task {
	tasks := make(map[string]*Task)
	for _, ev := range events {
		switch ev.Type {
		case EventTaskAdded:
			tasks[ev.TaskID] = &Task{
				ID:         ev.TaskID,
				URL:        ev.URL,
				Kind:       ev.Kind,
				Format:     ev.Format,
				OutputPath: ev.OutputPath,
				Status:     StatusQueued,
				Retry:      ev.Retry,
				CreatedAt:  ev.Timestamp,
				UpdatedAt:  ev.Timestamp,
			}
		case EventTaskStarted:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusPaused
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskPaused:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusPaused
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskResumed:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusQueued
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskCompleted:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusCompleted
				if ev.OutputPath != "" {
					t.OutputPath = ev.OutputPath
				}
				if ev.Size > 0 {
					t.TotalSize = ev.Size
					t.Progress = ev.Size
				}
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskFailed:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusFailed
				t.LastError = ev.Reason
				t.FailureClass = ev.Class
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskCancelled:
			if t, ok := tasks[ev.TaskID]; ok {
				t.Status = StatusCancelled
				t.UpdatedAt = ev.Timestamp
			}
		case EventTaskRemoved:
			delete(tasks, ev.TaskID)
		}
	}
	return tasks
}

// Compact rewrites the log as a minimal snapshot of the surviving tasks: one
// task_added record plus, where needed, one state-establishing record per
// task. Replaying the compacted log reproduces the same table. Written to a
// temp file and renamed so a crash mid-compaction leaves the old log intact.
func (l *EventLog) Compact(tasks []Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating compaction file: %v", err)
	}

	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	write := func(ev Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = file.Write(append(data, '\n'))
		return err
	}
	for _, t := range sorted {
		added := Event{
			Type: EventTaskAdded, TaskID: t.ID, Timestamp: t.CreatedAt,
			URL: t.URL, Kind: t.Kind, Format: t.Format, OutputPath: t.OutputPath,
			Retry: t.Retry,
		}
		if err := write(added); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("error writing compacted event: %v", err)
		}
		var follow *Event
		switch t.Status {
		case StatusQueued:
			// task_added alone replays to Queued
		case StatusPaused, StatusDownloading:
			// Downloading never survives a restart; both replay to Paused.
			follow = &Event{Type: EventTaskPaused, TaskID: t.ID, Timestamp: t.UpdatedAt}
		case StatusCompleted:
			follow = &Event{Type: EventTaskCompleted, TaskID: t.ID, Timestamp: t.UpdatedAt, OutputPath: t.OutputPath, Size: t.TotalSize}
		case StatusFailed:
			follow = &Event{Type: EventTaskFailed, TaskID: t.ID, Timestamp: t.UpdatedAt, Reason: t.LastError, Class: t.FailureClass}
		case StatusCancelled:
			follow = &Event{Type: EventTaskCancelled, TaskID: t.ID, Timestamp: t.UpdatedAt}
		}
		if follow != nil {
			if err := write(*follow); err != nil {
				file.Close()
				os.Remove(tmp)
				return fmt.Errorf("error writing compacted event: %v", err)
			}
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("error flushing compacted log: %v", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if l.file != nil {
		l.file.Close()
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("error replacing event log: %v", err)
	}
	reopened, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.file = nil
		return fmt.Errorf("error reopening event log: %v", err)
	}
	l.file = reopened
	return nil
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the log's location on disk.
func (l *EventLog) Path() string {
	return l.path
}
