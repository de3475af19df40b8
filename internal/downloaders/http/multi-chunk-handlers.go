package tughttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tugdl/tug/internal/utils"
)

const maxChunkRetries = 5

func chunkedDownload(ctx context.Context, mjob *multiJob, chunk *utils.DownloadChunk, client *utils.TugHTTPClient, wg *sync.WaitGroup, progressCh chan<- int64) {
	defer wg.Done()
	chunk.StartTime = time.Now()
	tempDir := filepath.Join(filepath.Dir(mjob.job.OutputPath), utils.TempDirName)
	tempFileName := filepath.Join(tempDir, fmt.Sprintf("%s.part%d", filepath.Base(mjob.job.OutputPath), chunk.ID))
	expectedSize := chunk.EndByte - chunk.StartByte + 1

	resumeOffset := int64(0)
	if fileInfo, err := os.Stat(tempFileName); err == nil {
		switch size := fileInfo.Size(); {
		case size == expectedSize:
			// segment finished in an earlier run
			mjob.mu.Lock()
			mjob.tempFiles = append(mjob.tempFiles, tempFileName)
			mjob.mu.Unlock()
			chunk.Downloaded = size
			chunk.Completed = true
			chunk.FinishTime = time.Now()
			progressCh <- size
			return
		case size > 0 && size < expectedSize:
			resumeOffset = size
			chunk.Downloaded = size
			progressCh <- size
		default:
			os.Remove(tempFileName)
		}
	}

	for retry := range maxChunkRetries {
		if ctx.Err() != nil {
			chunk.LastError = ctx.Err()
			return
		}
		if retry > 0 {
			time.Sleep(time.Duration(retry+1) * 500 * time.Millisecond) // Backoff
			if fileInfo, err := os.Stat(tempFileName); err == nil {
				if fileInfo.Size() == chunk.Downloaded {
					resumeOffset = fileInfo.Size()
				} else {
					// counter and file disagree, start the segment over
					os.Remove(tempFileName)
					progressCh <- -chunk.Downloaded
					chunk.Downloaded = 0
					resumeOffset = 0
				}
			}
		}
		chunk.Retries = retry + 1
		if err := downloadSingleChunk(ctx, mjob.job.URL, chunk, client, tempFileName, progressCh, resumeOffset); err != nil {
			chunk.LastError = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			continue
		}
		mjob.mu.Lock()
		mjob.tempFiles = append(mjob.tempFiles, tempFileName)
		mjob.mu.Unlock()
		chunk.Completed = true
		chunk.FinishTime = time.Now()
		return
	}
}

func downloadSingleChunk(ctx context.Context, url string, chunk *utils.DownloadChunk, client *utils.TugHTTPClient, tempFileName string, progressCh chan<- int64, resumeOffset int64) error {
	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	tempFile, err := os.OpenFile(tempFileName, flag, 0644)
	if err != nil {
		return fmt.Errorf("error opening temp file: %v", err)
	}
	defer tempFile.Close()

	startByte := chunk.StartByte + resumeOffset
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, chunk.EndByte))
	req.Header.Set("Connection", "keep-alive")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Range") == "" {
		return errors.New("missing Content-Range header")
	}

	remainingBytes := chunk.EndByte - startByte + 1
	buffer := make([]byte, utils.DefaultBufferSize)
	newBytes := int64(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		bytesRead, err := resp.Body.Read(buffer)
		if bytesRead > 0 {
			_, writeErr := tempFile.Write(buffer[:bytesRead])
			if writeErr != nil {
				return writeErr
			}
			newBytes += int64(bytesRead)
			chunk.Downloaded += int64(bytesRead)
			progressCh <- int64(bytesRead)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if newBytes != remainingBytes {
		return fmt.Errorf("size mismatch: expected %d remaining bytes, got %d bytes this session", remainingBytes, newBytes)
	}
	totalExpectedSize := chunk.EndByte - chunk.StartByte + 1
	if chunk.Downloaded != totalExpectedSize {
		return fmt.Errorf("total size mismatch: expected %d total bytes, got %d bytes", totalExpectedSize, chunk.Downloaded)
	}
	return nil
}
