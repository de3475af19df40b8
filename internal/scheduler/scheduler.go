// Package scheduler owns the downloader registry and drives downloads, either
// as a one-shot batch with a live terminal display or on behalf of the queue
// manager in daemon mode.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tugdl/tug/internal/downloaders/gdrive"
	"github.com/tugdl/tug/internal/downloaders/gitclone"
	tughttp "github.com/tugdl/tug/internal/downloaders/http"
	"github.com/tugdl/tug/internal/downloaders/m3u8"
	"github.com/tugdl/tug/internal/downloaders/s3"
	"github.com/tugdl/tug/internal/downloaders/ytdlp"
	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/output"
	"github.com/tugdl/tug/internal/utils"
)

var downloaders = map[string]utils.Downloader{
	"http":     &tughttp.HTTPDownloader{},
	"s3":       &s3.S3Downloader{},
	"gitclone": &gitclone.GitCloneDownloader{},
	"gdrive":   &gdrive.GDriveDownloader{},
	"m3u8":     &m3u8.M3U8Downloader{},
	"ytdlp":    &ytdlp.YtdlpDownloader{},
}

// Lookup returns the downloader registered for a job kind.
func Lookup(kind string) (utils.Downloader, error) {
	d, ok := downloaders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
	return d, nil
}

// Kinds lists the registered job kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(downloaders))
	for k := range downloaders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Run executes jobs through a pool of workers. With quiet unset it renders
// the live display; otherwise progress goes to the structured log only.
// Returns an error when any job failed.
func Run(ctx context.Context, jobs []*utils.Job, workers int, quiet bool) error {
	log := logx.Get("scheduler")
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	log.Info().Int("jobs", len(jobs)).Int("workers", workers).Msg("starting downloads")

	var mgr *output.Manager
	if !quiet {
		mgr = output.NewManager()
		mgr.StartDisplay()
		defer mgr.StopDisplay()
	}

	jobCh := make(chan *utils.Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	errorCh := make(chan error, len(jobs))
	for i := range workers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for job := range jobCh {
				if ctx.Err() != nil {
					errorCh <- ctx.Err()
					continue
				}
				if err := runJob(ctx, job, mgr, wlog); err != nil {
					wlog.Error().Err(err).Str("url", job.URL).Msg("download failed")
					errorCh <- fmt.Errorf("error downloading %s: %v", job.URL, err)
				}
			}
		}(i + 1)
	}
	wg.Wait()
	close(errorCh)

	var failed int
	for range errorCh {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(jobs))
	}
	return nil
}

// runJob walks one job through validate, build and download, keeping the
// display row in sync at each phase.
func runJob(ctx context.Context, job *utils.Job, mgr *output.Manager, log zerolog.Logger) (err error) {
	if job.Kind == "" {
		job.Kind = utils.DetectJobKind(job.URL)
	}
	d, err := Lookup(job.Kind)
	if err != nil {
		return err
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}

	var id int
	if mgr != nil {
		id = mgr.RegisterFunction(job.URL)
		mgr.SetMessage(id, fmt.Sprintf("Validating %s", job.URL))
		job.ProgressFunc = func(downloaded, total int64) {
			mgr.SetProgress(id, downloaded, total)
		}
		job.StreamFunc = func(line string) {
			mgr.AddStreamLine(id, line)
		}
		job.PauseFunc = mgr.Pause
		job.ResumeFunc = mgr.Resume
		defer func() {
			if err != nil {
				mgr.ReportError(id, err)
			}
		}()
	}

	log.Debug().Str("op", job.Kind+"/validate").Str("url", job.URL).Msg("validating job")
	if err = d.ValidateJob(job); err != nil {
		return fmt.Errorf("error validating job: %v", err)
	}
	log.Debug().Str("op", job.Kind+"/build").Str("url", job.URL).Msg("building job")
	if err = d.BuildJob(job); err != nil {
		return fmt.Errorf("error building job: %v", err)
	}
	if mgr != nil {
		mgr.SetStatus(id, "info")
		mgr.SetMessage(id, fmt.Sprintf("Downloading %s", job.OutputPath))
	}
	log.Debug().Str("op", job.Kind+"/download").Str("output", job.OutputPath).Msg("starting download")
	job.HTTPClientConfig.Timeout = -1 // long transfers are cancelled via ctx, not a request deadline
	if err = d.Download(ctx, job); err != nil {
		return fmt.Errorf("error downloading: %v", err)
	}
	if mgr != nil {
		mgr.Complete(id, fmt.Sprintf("Completed %s", job.OutputPath))
	}
	log.Info().Str("output", job.OutputPath).Msg("download complete")
	return nil
}
