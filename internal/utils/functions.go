package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// RenewOutputPath returns a non-colliding variant of outputPath in the form
// name-(N).ext.
func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

// DetectJobKind infers a job kind from the URL scheme/host. Plain HTTP(S) is
// the fallback for anything unrecognized.
func DetectJobKind(url string) string {
	switch {
	case strings.HasPrefix(url, "s3://"):
		return "s3"
	case strings.HasPrefix(url, "m3u8://") || strings.HasSuffix(url, ".m3u8"):
		return "m3u8"
	case strings.HasPrefix(url, "https://drive.google.com") || strings.HasPrefix(url, "gdrive://"):
		return "gdrive"
	case strings.HasPrefix(url, "https://www.youtube.com") || strings.HasPrefix(url, "https://youtube.com") || strings.HasPrefix(url, "https://youtu.be"):
		return "ytdlp"
	case strings.HasPrefix(url, "git@") || strings.HasSuffix(strings.TrimSuffix(url, "/"), ".git"):
		return "gitclone"
	default:
		return "http"
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

// TempDir returns the segment directory used for outputPath, creating it if
// needed.
func TempDir(outputPath string) (string, error) {
	dir := filepath.Join(filepath.Dir(outputPath), TempDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating temp directory: %v", err)
	}
	return dir, nil
}

// CleanFunction removes the temp artifacts belonging to one output path and
// drops the temp dir itself once empty.
func CleanFunction(outputPath string) error {
	tempDir := filepath.Join(filepath.Dir(outputPath), TempDirName)
	files, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	partPrefix := filepath.Base(outputPath) + ".part"
	for _, file := range files {
		filePath := filepath.Join(tempDir, file.Name())
		if strings.HasPrefix(file.Name(), partPrefix) {
			if file.IsDir() {
				if err := os.RemoveAll(filePath); err != nil {
					return err
				}
			} else {
				if err := os.Remove(filePath); err != nil {
					return err
				}
			}
		}
		// Also remove m3u8_* directories (from HLS downloads)
		if file.IsDir() && strings.HasPrefix(file.Name(), "m3u8_") {
			if err := os.RemoveAll(filePath); err != nil {
				return err
			}
		}
	}
	remainingFiles, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}
	if len(remainingFiles) == 0 {
		if err := os.Remove(tempDir); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes the whole temp dir under dir.
func Clean(dir string) error {
	return os.RemoveAll(filepath.Join(dir, TempDirName))
}
