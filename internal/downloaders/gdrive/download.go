package gdrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tughttp "github.com/tugdl/tug/internal/downloaders/http"
	"github.com/tugdl/tug/internal/utils"
)

func (d *GDriveDownloader) Download(ctx context.Context, job *utils.Job) error {
	token := job.Metadata["token"].(string)
	isFolder := job.Metadata["isFolder"].(bool)
	totalSize, _ := job.Metadata["totalSize"].(int64)
	client := utils.NewTugHTTPClient(job.HTTPClientConfig)
	if isFolder {
		return d.downloadFolder(ctx, job, token, client, totalSize)
	}
	return d.downloadFile(ctx, job, token, client, totalSize)
}

func (d *GDriveDownloader) downloadFile(ctx context.Context, job *utils.Job, token string, client *utils.TugHTTPClient, totalSize int64) error {
	fileID := job.Metadata["fileID"].(string)
	progressCh := make(chan int64, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var downloaded int64
		for bytes := range progressCh {
			downloaded += bytes
			if job.ProgressFunc != nil {
				job.ProgressFunc(downloaded, totalSize)
			}
		}
	}()
	err := performGDriveDownload(ctx, job.OutputPath, token, fileID, client, progressCh)
	close(progressCh)
	<-done
	return err
}

func (d *GDriveDownloader) downloadFolder(ctx context.Context, job *utils.Job, token string, client *utils.TugHTTPClient, totalSize int64) error {
	files := job.Metadata["folderFiles"].([]map[string]any)
	if err := os.MkdirAll(job.OutputPath, 0755); err != nil {
		return fmt.Errorf("error creating folder: %v", err)
	}

	var totalDownloaded int64
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fileID := file["id"].(string)
		fileName := file["name"].(string)
		mimeType, _ := file["mimeType"].(string)
		// Docs-native files need an export, not a byte download
		if strings.HasPrefix(mimeType, "application/vnd.google-apps.") {
			continue
		}
		outputPath := filepath.Join(job.OutputPath, fileName)
		progressCh := make(chan int64, 100)
		done := make(chan struct{})
		go func(ch <-chan int64) {
			defer close(done)
			for bytes := range ch {
				totalDownloaded += bytes
				if job.ProgressFunc != nil {
					job.ProgressFunc(totalDownloaded, totalSize)
				}
			}
		}(progressCh)

		err := performGDriveDownload(ctx, outputPath, token, fileID, client, progressCh)
		close(progressCh)
		<-done
		if err != nil {
			return fmt.Errorf("error downloading %s: %v", fileName, err)
		}
	}
	return nil
}

func performGDriveDownload(ctx context.Context, outputPath, token, fileID string, client *utils.TugHTTPClient, progressCh chan<- int64) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %v", err)
	}
	isOAuth := !isAPIKey(token)
	var downloadURL string
	if isOAuth {
		downloadURL = fmt.Sprintf("%s/%s?alt=media", driveAPIURL, fileID)
		client.SetHeader("Authorization", "Bearer "+token)
	} else {
		downloadURL = fmt.Sprintf("%s/%s?alt=media&key=%s", driveAPIURL, fileID, token)
	}
	if err := tughttp.PerformSimpleDownload(ctx, downloadURL, outputPath, client, progressCh); err != nil {
		return fmt.Errorf("error downloading Google Drive file: %v", err)
	}
	return nil
}
