package gitclone

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// getAuthMethod builds credentials for private clones. Tokens and key paths
// come from job metadata when the caller supplied them (daemon requests) and
// fall back to the GIT_TOKEN and GIT_SSH environment variables.
func getAuthMethod(repoURL string, metadata map[string]any) (transport.AuthMethod, error) {
	token, _ := metadata["token"].(string)
	if token == "" {
		token = os.Getenv("GIT_TOKEN")
	}
	if token != "" {
		switch {
		case strings.Contains(repoURL, "github.com"), strings.Contains(repoURL, "gitlab.com"):
			return &http.BasicAuth{Username: "oauth2", Password: token}, nil
		case strings.Contains(repoURL, "bitbucket.org"):
			return &http.BasicAuth{Username: "x-token-auth", Password: token}, nil
		default:
			return &http.BasicAuth{Username: "git", Password: token}, nil
		}
	}

	sshKeyPath, _ := metadata["sshKey"].(string)
	if sshKeyPath == "" {
		sshKeyPath = os.Getenv("GIT_SSH")
	}
	if sshKeyPath != "" {
		publicKeys, err := ssh.NewPublicKeysFromFile("git", sshKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("couldn't load SSH key: %v", err)
		}
		return publicKeys, nil
	}
	return nil, errors.New("no authentication method found")
}
