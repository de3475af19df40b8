package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tugdl/tug/internal/utils"
)

type S3Client struct {
	client *s3.Client
}

type s3Object struct {
	Key  string
	Size int64
}

func getS3Client(ctx context.Context, profile string) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMode("adaptive"),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return &S3Client{client: s3.NewFromConfig(cfg)}, nil
}

func getS3ObjectInfo(ctx context.Context, bucket, key string, client *S3Client) (string, int64, error) {
	headObj, err := client.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		size := int64(0)
		if headObj.ContentLength != nil {
			size = *headObj.ContentLength
		}
		return "file", size, nil
	}

	// not a plain object, see whether the key prefixes anything
	result, err := client.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", 0, fmt.Errorf("error accessing S3 object: %v", err)
	}
	if len(result.Contents) > 0 || len(result.CommonPrefixes) > 0 {
		return "folder", -1, nil
	}
	return "", 0, fmt.Errorf("S3 object not found")
}

func listS3Objects(ctx context.Context, bucket, prefix string, client *S3Client) ([]s3Object, error) {
	var objects []s3Object
	paginator := s3.NewListObjectsV2Paginator(client.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing objects: %v", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && obj.Size != nil {
				// skip zero-byte folder markers
				if *obj.Size == 0 && strings.HasSuffix(*obj.Key, "/") {
					continue
				}
				objects = append(objects, s3Object{Key: *obj.Key, Size: *obj.Size})
			}
		}
	}
	return objects, nil
}

// progressWriterAt counts bytes as the transfer manager writes them. Parts
// land out of order, the byte total is still exact.
type progressWriterAt struct {
	file *os.File
	ch   chan<- int64
}

func (w *progressWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.file.WriteAt(p, off)
	if n > 0 {
		w.ch <- int64(n)
	}
	return n, err
}

// performManagedDownload fetches one object through the S3 transfer manager,
// which splits it into ranged parts the same way the HTTP engine does.
func performManagedDownload(ctx context.Context, bucket, key, outputPath string, connections int, client *S3Client, progressCh chan<- int64) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating file: %v", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(client.client, func(d *manager.Downloader) {
		d.PartSize = utils.DefaultBufferSize
		if connections > 0 {
			d.Concurrency = connections
		}
	})
	_, err = downloader.Download(ctx, &progressWriterAt{file: file, ch: progressCh}, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("error downloading object: %v", err)
	}
	return nil
}

// performS3Download streams one object sequentially. Used for folder
// downloads where many small objects run in parallel already.
func performS3Download(ctx context.Context, bucket, key, outputPath string, client *S3Client, progressCh chan<- int64) error {
	result, err := client.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("error getting object: %v", err)
	}
	defer result.Body.Close()

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating file: %v", err)
	}
	defer file.Close()

	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		n, err := result.Body.Read(buffer)
		if n > 0 {
			_, writeErr := file.Write(buffer[:n])
			if writeErr != nil {
				return fmt.Errorf("error writing file: %v", writeErr)
			}
			progressCh <- int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading object: %v", err)
		}
	}
	return nil
}

func directoryExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func createDirectory(path string) error {
	return os.MkdirAll(path, 0755)
}
