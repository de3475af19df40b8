package tughttp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tugdl/tug/internal/utils"
)

// multiJob tracks one multi-segment transfer: the byte ranges, the part files
// produced so far, and the job they belong to.
type multiJob struct {
	job       *utils.Job
	fileSize  int64
	startTime time.Time
	chunks    []utils.DownloadChunk
	tempFiles []string
	mu        sync.Mutex
}

// PerformMultiDownload splits the file into one byte range per connection,
// downloads the ranges concurrently into the temp dir, and assembles the
// parts once every range has completed. Part files left by an earlier run are
// resumed from their current size instead of being refetched.
func PerformMultiDownload(ctx context.Context, job *utils.Job, client *utils.TugHTTPClient, fileSize int64, progressCh chan<- int64) error {
	mjob := &multiJob{job: job, fileSize: fileSize, startTime: time.Now()}
	if _, err := utils.TempDir(job.OutputPath); err != nil {
		return err
	}

	chunkSize := fileSize / int64(job.Connections)
	for i := 0; i < job.Connections; i++ {
		startByte := int64(i) * chunkSize
		endByte := startByte + chunkSize - 1
		if i == job.Connections-1 {
			endByte = fileSize - 1
		}
		mjob.chunks = append(mjob.chunks, utils.DownloadChunk{
			ID:        i,
			StartByte: startByte,
			EndByte:   endByte,
		})
	}

	var wg sync.WaitGroup
	for i := range mjob.chunks {
		wg.Add(1)
		go chunkedDownload(ctx, mjob, &mjob.chunks[i], client, &wg, progressCh)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, chunk := range mjob.chunks {
		if !chunk.Completed {
			if chunk.LastError != nil {
				return fmt.Errorf("segment %d failed after %d attempts: %v", chunk.ID, chunk.Retries, chunk.LastError)
			}
			return fmt.Errorf("segment %d failed to complete", chunk.ID)
		}
	}
	return assembleFile(mjob)
}

func assembleFile(mjob *multiJob) error {
	sort.Slice(mjob.tempFiles, func(i, j int) bool {
		idI, _ := extractChunkID(mjob.tempFiles[i])
		idJ, _ := extractChunkID(mjob.tempFiles[j])
		return idI < idJ
	})

	destFile, err := os.Create(mjob.job.OutputPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	var totalWritten int64
	for _, tempFilePath := range mjob.tempFiles {
		tempFile, err := os.Open(tempFilePath)
		if err != nil {
			return fmt.Errorf("error opening segment: %v", err)
		}
		written, err := io.Copy(destFile, tempFile)
		tempFile.Close()
		if err != nil {
			return fmt.Errorf("error copying segment: %v", err)
		}
		totalWritten += written
	}
	if totalWritten != mjob.fileSize {
		return fmt.Errorf("size mismatch: expected %d, got %d", mjob.fileSize, totalWritten)
	}

	for _, tempFilePath := range mjob.tempFiles {
		os.Remove(tempFilePath)
	}
	os.Remove(filepath.Join(filepath.Dir(mjob.job.OutputPath), utils.TempDirName))
	return nil
}

func extractChunkID(filename string) (int, error) {
	matches := utils.ChunkIDRegex.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return -1, fmt.Errorf("could not extract segment ID from %s", filename)
	}
	return strconv.Atoi(matches[1])
}
