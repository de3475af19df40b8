package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/utils"
)

type S3Downloader struct{}

func (d *S3Downloader) ValidateJob(job *utils.Job) error {
	bucket, key, err := parseS3URL(job.URL)
	if err != nil {
		return err
	}
	job.Metadata["bucket"] = bucket
	job.Metadata["key"] = key
	log := logx.Get("s3")
	log.Debug().Str("op", "s3/initial").Msgf("job validated for s3://%s/%s", bucket, key)
	return nil
}

func (d *S3Downloader) BuildJob(job *utils.Job) error {
	log := logx.Get("s3")
	bucket := job.Metadata["bucket"].(string)
	key := job.Metadata["key"].(string)
	profile, _ := job.Metadata["profile"].(string)
	client, err := getS3Client(context.Background(), profile)
	if err != nil {
		return fmt.Errorf("error creating S3 client: %v", err)
	}

	fileType, size, err := getS3ObjectInfo(context.Background(), bucket, key, client)
	if err != nil {
		return fmt.Errorf("error getting S3 object info: %v", err)
	}
	job.Metadata["fileType"] = fileType
	job.Metadata["size"] = size
	log.Debug().Str("op", "s3/initial").Msgf("determined object type: %s, size: %d", fileType, size)

	if job.OutputPath == "" {
		if fileType == "folder" {
			parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
			job.OutputPath = parts[len(parts)-1]
			if job.OutputPath == "" {
				job.OutputPath = bucket
			}
		} else {
			parts := strings.Split(key, "/")
			job.OutputPath = parts[len(parts)-1]
		}
	}

	if fileType == "folder" {
		if exists, err := directoryExists(job.OutputPath); err == nil && exists {
			job.OutputPath = utils.RenewOutputPath(job.OutputPath)
		}
	} else {
		if exists, err := fileExists(job.OutputPath); err == nil && exists {
			job.OutputPath = utils.RenewOutputPath(job.OutputPath)
		}
	}
	return nil
}

func parseS3URL(url string) (string, string, error) {
	url = strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(url, "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URL format")
	}
	bucket := parts[0]
	key := ""
	if len(parts) > 1 {
		key = parts[1]
	}
	return bucket, key, nil
}
