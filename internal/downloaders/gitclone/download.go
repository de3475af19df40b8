package gitclone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/tugdl/tug/internal/utils"
)

type gitCloneProgress struct {
	streamFunc func(string)
}

func (p *gitCloneProgress) Write(data []byte) (int, error) {
	message := strings.TrimSpace(string(data))
	if message != "" && p.streamFunc != nil {
		p.streamFunc(message)
	}
	return len(data), nil
}

func (d *GitCloneDownloader) Download(ctx context.Context, job *utils.Job) error {
	cloneURL := job.Metadata["cloneURL"].(string)
	depth, _ := job.Metadata["depth"].(int)

	auth, err := getAuthMethod(cloneURL, job.Metadata)
	if err != nil && job.StreamFunc != nil {
		job.StreamFunc(fmt.Sprintf("Warning: %v", err))
	}

	cloneOptions := &git.CloneOptions{
		URL:      cloneURL,
		Progress: &gitCloneProgress{streamFunc: job.StreamFunc},
		Auth:     auth,
	}
	if depth > 0 {
		cloneOptions.Depth = depth
	}

	if job.StreamFunc != nil {
		job.StreamFunc(fmt.Sprintf("Cloning %s", cloneURL))
	}
	_, err = git.PlainCloneContext(ctx, job.OutputPath, false, cloneOptions)
	if err != nil {
		if ctx.Err() != nil && !job.KeepPartial {
			os.RemoveAll(job.OutputPath)
		}
		return fmt.Errorf("git clone failed: %v", err)
	}

	size, err := getDirSize(job.OutputPath)
	if err == nil && job.StreamFunc != nil {
		job.StreamFunc(fmt.Sprintf("Clone complete - Total size: %s", utils.FormatBytes(uint64(size))))
	}
	if job.ProgressFunc != nil && size > 0 {
		job.ProgressFunc(size, size)
	}
	return nil
}

func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
