package gitclone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tugdl/tug/internal/utils"
)

type GitCloneDownloader struct{}

func (d *GitCloneDownloader) ValidateJob(job *utils.Job) error {
	provider, owner, repo, err := parseGitURL(job.URL)
	if err != nil {
		return err
	}
	job.Metadata["provider"] = provider
	job.Metadata["owner"] = owner
	job.Metadata["repo"] = repo
	return nil
}

func (d *GitCloneDownloader) BuildJob(job *utils.Job) error {
	provider := job.Metadata["provider"].(string)
	owner := job.Metadata["owner"].(string)
	repo := job.Metadata["repo"].(string)

	cloneURL := fmt.Sprintf("https://%s/%s/%s", provider, owner, repo)
	if strings.HasPrefix(job.URL, "git@") {
		// keep ssh transport when the caller asked for it
		cloneURL = fmt.Sprintf("git@%s:%s/%s.git", provider, owner, repo)
	}
	job.Metadata["cloneURL"] = cloneURL

	if job.OutputPath == "" {
		job.OutputPath = repo
	}
	if info, err := os.Stat(job.OutputPath); err == nil && info.IsDir() {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %v", err)
	}
	return nil
}

// parseGitURL accepts https://host/owner/repo(.git) and scp-like
// git@host:owner/repo(.git) forms.
func parseGitURL(url string) (string, string, string, error) {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")

	if after, ok := strings.CutPrefix(url, "git@"); ok {
		host, path, found := strings.Cut(after, ":")
		if !found {
			return "", "", "", fmt.Errorf("invalid git URL format, expected git@host:owner/repo")
		}
		url = host + "/" + path
	} else {
		url = strings.TrimPrefix(url, "https://")
		url = strings.TrimPrefix(url, "http://")
	}

	parts := strings.Split(url, "/")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("invalid git URL format, expected provider/owner/repo")
	}
	provider, owner, repo := parts[0], parts[1], parts[2]

	switch provider {
	case "github.com", "gitlab.com", "bitbucket.org":
	default:
		return "", "", "", fmt.Errorf("unsupported git provider: %s", provider)
	}
	return provider, owner, repo, nil
}
