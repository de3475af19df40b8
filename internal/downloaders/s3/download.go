package s3

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/utils"
)

func (d *S3Downloader) Download(ctx context.Context, job *utils.Job) error {
	log := logx.Get("s3")
	bucket := job.Metadata["bucket"].(string)
	key := job.Metadata["key"].(string)
	fileType := job.Metadata["fileType"].(string)
	profile, _ := job.Metadata["profile"].(string)
	client, err := getS3Client(ctx, profile)
	if err != nil {
		return fmt.Errorf("error creating S3 client: %v", err)
	}
	if fileType == "folder" {
		log.Debug().Str("op", "s3/download").Msgf("starting folder download for s3://%s/%s", bucket, key)
		return d.downloadFolder(ctx, job, bucket, key, client)
	}
	log.Debug().Str("op", "s3/download").Msgf("starting file download for s3://%s/%s", bucket, key)
	return d.downloadFile(ctx, job, bucket, key, client)
}

func (d *S3Downloader) downloadFile(ctx context.Context, job *utils.Job, bucket, key string, client *S3Client) error {
	size, _ := job.Metadata["size"].(int64)
	progressCh := make(chan int64, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var totalDownloaded int64
		for bytes := range progressCh {
			totalDownloaded += bytes
			if job.ProgressFunc != nil {
				job.ProgressFunc(totalDownloaded, size)
			}
		}
	}()
	err := performManagedDownload(ctx, bucket, key, job.OutputPath, job.Connections, client, progressCh)
	close(progressCh)
	<-done
	return err
}

func (d *S3Downloader) downloadFolder(ctx context.Context, job *utils.Job, bucket, prefix string, client *S3Client) error {
	objects, err := listS3Objects(ctx, bucket, prefix, client)
	if err != nil {
		return fmt.Errorf("error listing objects: %v", err)
	}
	if len(objects) == 0 {
		return fmt.Errorf("no objects found in s3://%s/%s", bucket, prefix)
	}
	log := logx.Get("s3")
	log.Debug().Str("op", "s3/download").Msgf("found %d objects to download in folder", len(objects))
	var totalSize int64
	for _, obj := range objects {
		totalSize += obj.Size
	}

	var totalDownloaded int64
	var mu sync.Mutex
	var downloadErr error
	jobCh := make(chan s3Object, len(objects))
	for _, obj := range objects {
		jobCh <- obj
	}
	close(jobCh)
	numWorkers := min(job.Connections, len(objects))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobCh {
				if ctx.Err() != nil {
					return
				}
				relPath := strings.TrimPrefix(obj.Key, prefix)
				relPath = strings.TrimPrefix(relPath, "/")
				outputPath := filepath.Join(job.OutputPath, relPath)
				if err := createDirectory(filepath.Dir(outputPath)); err != nil {
					mu.Lock()
					if downloadErr == nil {
						downloadErr = fmt.Errorf("error creating directory: %v", err)
					}
					mu.Unlock()
					return
				}
				progressCh := make(chan int64, 100)
				go func(ch <-chan int64) {
					for bytes := range ch {
						downloaded := atomic.AddInt64(&totalDownloaded, bytes)
						if job.ProgressFunc != nil {
							job.ProgressFunc(downloaded, totalSize)
						}
					}
				}(progressCh)

				err := performS3Download(ctx, bucket, obj.Key, outputPath, client, progressCh)
				close(progressCh)
				if err != nil {
					mu.Lock()
					if downloadErr == nil {
						downloadErr = fmt.Errorf("error downloading %s: %v", obj.Key, err)
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil && downloadErr == nil {
		downloadErr = err
	}
	return downloadErr
}
