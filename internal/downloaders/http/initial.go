package tughttp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tugdl/tug/internal/utils"
)

type HTTPDownloader struct{}

func (d *HTTPDownloader) ValidateJob(job *utils.Job) error {
	parsedURL, err := url.Parse(job.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}

	client := utils.NewTugHTTPClient(job.HTTPClientConfig)
	req, err := http.NewRequest("HEAD", job.URL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error checking URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
		if location := resp.Header.Get("Location"); location != "" {
			job.URL = location
		}
	} else if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status code %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDownloader) BuildJob(job *utils.Job) error {
	job.HTTPClientConfig.HighThreadMode = job.Connections > 5
	client := utils.NewTugHTTPClient(job.HTTPClientConfig)

	fileSize, fileName, err := getFileInfo(job.URL, client)
	if err != nil && err != utils.ErrRangeRequestsNotSupported {
		return fmt.Errorf("error getting file info: %v", err)
	}

	if job.OutputPath == "" && fileName != "" {
		job.OutputPath = fileName
	} else if job.OutputPath == "" {
		parsedURL, _ := url.Parse(job.URL)
		pathParts := strings.Split(parsedURL.Path, "/")
		job.OutputPath = pathParts[len(pathParts)-1]
		if job.OutputPath == "" {
			job.OutputPath = "download"
		}
	}

	if existingFile, statErr := os.Stat(job.OutputPath); statErr == nil {
		if fileSize > 0 && existingFile.Size() == fileSize {
			return fmt.Errorf("file already exists with same size")
		}
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}

	job.Metadata["fileSize"] = fileSize
	job.Metadata["rangeSupported"] = err != utils.ErrRangeRequestsNotSupported
	return nil
}

func (d *HTTPDownloader) Download(ctx context.Context, job *utils.Job) error {
	client := utils.NewTugHTTPClient(job.HTTPClientConfig)
	fileSize, _ := job.Metadata["fileSize"].(int64)
	rangeSupported, _ := job.Metadata["rangeSupported"].(bool)

	progressCh := make(chan int64, 100)
	progressDone := make(chan struct{})
	startTime := time.Now()

	go func() {
		defer close(progressDone)
		var totalDownloaded int64
		var lastUpdate time.Time
		var lastBytes int64
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case bytes, ok := <-progressCh:
				if !ok {
					if job.ProgressFunc != nil {
						job.ProgressFunc(totalDownloaded, fileSize)
					}
					return
				}
				totalDownloaded += bytes
			case <-ticker.C:
				if totalDownloaded > lastBytes {
					if job.ProgressFunc != nil {
						job.ProgressFunc(totalDownloaded, fileSize)
					}
					elapsed := time.Since(lastUpdate).Seconds()
					if elapsed > 0 {
						job.Metadata["downloadSpeed"] = float64(totalDownloaded-lastBytes) / elapsed
						job.Metadata["elapsedTime"] = time.Since(startTime).Seconds()
					}
					lastUpdate = time.Now()
					lastBytes = totalDownloaded
				}
			}
		}
	}()

	var err error
	if !rangeSupported || job.Connections == 1 {
		err = PerformSimpleDownload(ctx, job.URL, job.OutputPath, client, progressCh)
	} else if fileSize/int64(job.Connections) < 2*utils.DefaultBufferSize {
		// chunks would be smaller than two buffers, not worth the connections
		err = PerformSimpleDownload(ctx, job.URL, job.OutputPath, client, progressCh)
	} else {
		err = PerformMultiDownload(ctx, job, client, fileSize, progressCh)
	}
	close(progressCh)
	<-progressDone

	if err != nil && !job.KeepPartial {
		utils.CleanFunction(job.OutputPath)
	}
	job.Metadata["totalTime"] = time.Since(startTime).Seconds()
	return err
}

func getFileInfo(link string, client *utils.TugHTTPClient) (int64, string, error) {
	req, err := http.NewRequest("HEAD", link, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	filename := ""
	filenameRegex := regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)
	if contentDisposition := resp.Header.Get("Content-Disposition"); contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				filename = filenameRegex.ReplaceAllString(fn, "_")
			} else if fn, ok := params["filename*"]; ok && fn != "" {
				if strings.HasPrefix(fn, "UTF-8''") {
					unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
					filename = filenameRegex.ReplaceAllString(unescaped, "_")
				}
			}
		}
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return 0, filename, utils.ErrRangeRequestsNotSupported
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return 0, filename, errors.New("server did not provide Content-Length header")
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		return 0, filename, err
	}
	if size <= 0 {
		return 0, filename, errors.New("invalid file size reported by server")
	}
	return size, filename, nil
}
