package tughttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/utils"
)

// PerformSimpleDownload streams the URL in a single connection. Used when the
// server does not support range requests or the file is too small to split.
// A part file left by an earlier run is resumed if the server cooperates.
func PerformSimpleDownload(ctx context.Context, url, outputPath string, client *utils.TugHTTPClient, progressCh chan<- int64) error {
	log := logx.Get("http")
	tempDir, err := utils.TempDir(outputPath)
	if err != nil {
		return err
	}
	tempOutputPath := fmt.Sprintf("%s.part", filepath.Join(tempDir, filepath.Base(outputPath)))
	maxRetries := 5
	var lastErr error
	var counted int64 // bytes already reported on progressCh

	for retry := range maxRetries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retry > 0 {
			log.Warn().Str("op", "http/simple").Msgf("Retrying download for %s (attempt %d/%d)", outputPath, retry+1, maxRetries)
			time.Sleep(time.Duration(retry+1) * 500 * time.Millisecond) // Backoff
		}
		err := downloadAttempt(ctx, url, tempOutputPath, client, progressCh, &counted)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Str("op", "http/simple").Err(err).Msgf("Download attempt %d failed", retry+1)
			continue
		}
		if err := os.Rename(tempOutputPath, outputPath); err != nil {
			return fmt.Errorf("error finalizing output file: %v", err)
		}
		os.Remove(tempDir)
		log.Debug().Str("op", "http/simple").Msgf("Simple download successful for %s", outputPath)
		return nil
	}
	return fmt.Errorf("download failed after %d retries: %w", maxRetries, lastErr)
}

func downloadAttempt(ctx context.Context, url, tempOutputPath string, client *utils.TugHTTPClient, progressCh chan<- int64, counted *int64) error {
	log := logx.Get("http")
	var resumeOffset int64 = 0
	fileMode := os.O_CREATE | os.O_WRONLY
	if fileInfo, err := os.Stat(tempOutputPath); err == nil {
		resumeOffset = fileInfo.Size()
		fileMode |= os.O_APPEND
	} else {
		fileMode |= os.O_TRUNC
	}

	outFile, err := os.OpenFile(tempOutputPath, fileMode, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %v", err)
	}
	defer outFile.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %v", err)
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
		log.Debug().Str("op", "http/simple").Msgf("Resuming download from offset %d", resumeOffset)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()

	if resumeOffset > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			log.Warn().Str("op", "http/simple").Msgf("Server does not support resume (status %d), restarting download", resp.StatusCode)
			outFile.Close()
			outFile, err = os.OpenFile(tempOutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("error creating output file: %v", err)
			}
			if *counted > 0 {
				progressCh <- -*counted
				*counted = 0
			}
		} else if delta := resumeOffset - *counted; delta > 0 {
			progressCh <- delta
			*counted += delta
		}
	} else if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			_, writeErr := outFile.Write(buffer[:bytesRead])
			if writeErr != nil {
				return fmt.Errorf("error writing to output file: %v", writeErr)
			}
			progressCh <- int64(bytesRead)
			*counted += int64(bytesRead)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return outFile.Sync()
			}
			return fmt.Errorf("error reading response body: %v", readErr)
		}
	}
}
