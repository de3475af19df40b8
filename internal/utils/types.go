package utils

import (
	"context"
	"time"
)

// Downloader is implemented once per job kind. ValidateJob checks the URL and
// flags before any work happens, BuildJob resolves metadata (size, name,
// range support) and fills the job in place, Download performs the transfer.
// Download must honor ctx between I/O operations; it is never killed.
type Downloader interface {
	ValidateJob(job *Job) error
	BuildJob(job *Job) error
	Download(ctx context.Context, job *Job) error
}

// Job carries everything a downloader needs for one transfer. Metadata is the
// scratch space ValidateJob/BuildJob use to hand kind-specific values to
// Download (file size, range support, resolved format and so on).
type Job struct {
	ID               string
	Kind             string
	URL              string
	OutputPath       string
	Connections      int
	ProgressType     string // "progress" or "stream"
	ProgressFunc     func(downloaded, total int64)
	StreamFunc       func(line string)
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
	KeepPartial      bool // leave temp segments on disk after cancel/failure
	PauseFunc        func()
	ResumeFunc       func()
}

// DownloadChunk is one byte range of a multi-segment transfer.
type DownloadChunk struct {
	ID         int
	StartByte  int64
	EndByte    int64
	Downloaded int64
	Completed  bool
	Retries    int
	LastError  error
	StartTime  time.Time
	FinishTime time.Time
}

// BatchEntry is one item of a YAML batch list.
type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	URL        string `yaml:"link"`
}
