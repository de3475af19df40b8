package m3u8

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tugdl/tug/internal/utils"
)

func (d *M3U8Downloader) Download(ctx context.Context, job *utils.Job) error {
	segmentURLs := job.Metadata["segmentURLs"].([]string)
	client := utils.NewTugHTTPClient(job.HTTPClientConfig)

	tempRoot, err := utils.TempDir(job.OutputPath)
	if err != nil {
		return err
	}
	segmentDir := filepath.Join(tempRoot, "m3u8_"+filepath.Base(job.OutputPath))
	stream(job, fmt.Sprintf("Found %d segments to download", len(segmentURLs)))

	segmentFiles, err := d.downloadSegments(ctx, job, segmentURLs, segmentDir, client)
	if err == nil {
		stream(job, "Merging segments...")
		err = mergeSegments(ctx, segmentFiles, job.OutputPath)
	}
	if err != nil {
		if !job.KeepPartial {
			os.RemoveAll(segmentDir)
			utils.CleanFunction(job.OutputPath)
		}
		return err
	}
	stream(job, "Cleaning up temporary files...")
	os.RemoveAll(segmentDir)
	utils.CleanFunction(job.OutputPath)
	return nil
}

func (d *M3U8Downloader) downloadSegments(ctx context.Context, job *utils.Job, segmentURLs []string, segmentDir string, client *utils.TugHTTPClient) ([]string, error) {
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating segment directory: %v", err)
	}
	workers := job.Connections
	if workers < 1 {
		workers = 1
	}
	if workers > len(segmentURLs) {
		workers = len(segmentURLs)
	}

	type segmentTask struct {
		index int
		url   string
	}
	taskCh := make(chan segmentTask, len(segmentURLs))
	for i, u := range segmentURLs {
		taskCh <- segmentTask{index: i, url: u}
	}
	close(taskCh)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		firstErr     error
		totalBytes   int64
		doneSegments int64
	)
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	segmentFiles := make([]string, len(segmentURLs))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				if workerCtx.Err() != nil {
					return
				}
				outputPath := filepath.Join(segmentDir, fmt.Sprintf("segment_%04d.ts", task.index))
				n, err := fetchSegment(workerCtx, task.url, outputPath, client)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("error downloading segment %d: %v", task.index, err)
					}
					mu.Unlock()
					cancel()
					return
				}
				segmentFiles[task.index] = outputPath
				downloaded := atomic.AddInt64(&totalBytes, n)
				finished := atomic.AddInt64(&doneSegments, 1)
				stream(job, fmt.Sprintf("Downloaded segment %d of %d (%s)", finished, len(segmentURLs), utils.FormatBytes(uint64(downloaded))))
				if job.ProgressFunc != nil {
					job.ProgressFunc(downloaded, 0)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return segmentFiles, nil
}

func fetchSegment(ctx context.Context, segmentURL, outputPath string, client *utils.TugHTTPClient) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", segmentURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("segment request failed with status code %d", resp.StatusCode)
	}
	outFile, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(outFile, resp.Body)
	if closeErr := outFile.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func mergeSegments(ctx context.Context, segmentFiles []string, outputPath string) error {
	sorted := make([]string, len(segmentFiles))
	copy(sorted, segmentFiles)
	sort.Strings(sorted)
	listFile := filepath.Join(filepath.Dir(sorted[0]), "segment_list.txt")
	f, err := os.Create(listFile)
	if err != nil {
		return fmt.Errorf("error creating segment list file: %v", err)
	}
	for _, file := range sorted {
		absPath, err := filepath.Abs(file)
		if err != nil {
			f.Close()
			return err
		}
		fmt.Fprintf(f, "file '%s'\n", absPath)
	}
	if err := f.Close(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-y",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, string(output))
	}
	return os.Remove(listFile)
}

func stream(job *utils.Job, line string) {
	if job.StreamFunc != nil {
		job.StreamFunc(line)
	}
}
