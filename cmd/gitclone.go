package cmd

import (
	"github.com/spf13/cobra"
)

func newGitCloneCmd() *cobra.Command {
	var outputPath string
	var depth int

	cmd := &cobra.Command{
		Use:   "gitclone [REPO_URL]",
		Short: "Clone a Git repository",
		Long: `Clone a Git repository from GitHub, GitLab, or Bitbucket.

Supported formats:
  - github.com/owner/repo
  - gitlab.com/owner/repo
  - bitbucket.org/owner/repo

Authentication:
  - Set GIT_TOKEN environment variable for token-based auth
  - Set GIT_SSH environment variable for SSH key path`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := buildJob("gitclone", args[0], outputPath)
			if depth > 0 {
				job.Metadata["depth"] = depth
			}
			runOneShot(job)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output directory path")
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "Clone depth (0 for full history)")
	return cmd
}
