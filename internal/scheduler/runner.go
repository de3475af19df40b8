package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/queue"
	"github.com/tugdl/tug/internal/utils"
)

// QueueRunner adapts the downloader registry to the queue manager's Runner
// interface. One instance serves all tasks; per-task state lives in the job.
type QueueRunner struct {
	ClientConfig utils.HTTPClientConfig
}

func NewQueueRunner(cfg utils.HTTPClientConfig) *QueueRunner {
	return &QueueRunner{ClientConfig: cfg}
}

func (r *QueueRunner) Run(ctx context.Context, spec queue.RunSpec, progress chan<- queue.Progress) (queue.RunResult, error) {
	log := logx.Get("runner")
	kind := spec.Kind
	if kind == "" {
		kind = utils.DetectJobKind(spec.URL)
	}
	d, err := Lookup(kind)
	if err != nil {
		return queue.RunResult{}, err
	}

	job := &utils.Job{
		ID:               spec.TaskID,
		Kind:             kind,
		URL:              spec.URL,
		OutputPath:       spec.OutputPath,
		Connections:      spec.Segments,
		Metadata:         make(map[string]any),
		HTTPClientConfig: r.ClientConfig,
		KeepPartial:      spec.KeepPartial,
	}
	if spec.Format != "" {
		job.Metadata["format"] = spec.Format
	}

	// Downloaders report cumulative bytes; the queue wants deltas. Deltas can
	// go negative when a tool restarts its own counter between phases.
	var mu sync.Mutex
	var sent int64
	job.ProgressFunc = func(downloaded, total int64) {
		mu.Lock()
		delta := downloaded - sent
		sent = downloaded
		mu.Unlock()
		if delta == 0 && total <= 0 {
			return
		}
		select {
		case progress <- queue.Progress{Delta: delta, Total: total}:
		case <-ctx.Done():
		}
	}

	log.Debug().Str("op", kind+"/validate").Str("task", spec.TaskID).Msg("validating job")
	if err := d.ValidateJob(job); err != nil {
		return queue.RunResult{}, fmt.Errorf("error validating job: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return queue.RunResult{}, err
	}
	log.Debug().Str("op", kind+"/build").Str("task", spec.TaskID).Msg("building job")
	if err := d.BuildJob(job); err != nil {
		return queue.RunResult{}, fmt.Errorf("error building job: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return queue.RunResult{}, err
	}
	if total := jobSize(job); total > 0 {
		select {
		case progress <- queue.Progress{Total: total}:
		case <-ctx.Done():
			return queue.RunResult{}, ctx.Err()
		}
	}

	log.Debug().Str("op", kind+"/download").Str("task", spec.TaskID).Str("output", job.OutputPath).Msg("starting download")
	job.HTTPClientConfig.Timeout = -1 // long transfers are cancelled via ctx, not a request deadline
	if err := d.Download(ctx, job); err != nil {
		return queue.RunResult{}, err
	}

	size := jobSize(job)
	if fi, statErr := os.Stat(job.OutputPath); statErr == nil && fi.Mode().IsRegular() {
		size = fi.Size()
	}
	mu.Lock()
	if size == 0 {
		size = sent
	}
	mu.Unlock()
	return queue.RunResult{OutputPath: job.OutputPath, Size: size}, nil
}

// jobSize pulls the total size a downloader recorded during BuildJob. Kinds
// that cannot know it up front leave all keys unset.
func jobSize(job *utils.Job) int64 {
	for _, key := range []string{"fileSize", "size", "totalSize"} {
		if v, ok := job.Metadata[key].(int64); ok && v > 0 {
			return v
		}
	}
	return 0
}
