package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tugdl/tug/internal/utils"
	"gopkg.in/yaml.v3"
)

// BatchFile maps a job kind (or one of its aliases) to download entries.
type BatchFile map[string][]utils.BatchEntry

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Long: `Process multiple downloads from a YAML file of kind to entries:

  http:
    - link: https://example.com/big.iso
      op: big.iso
  youtube:
    - link: https://youtu.be/dQw4w9WgXcQ`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading YAML file: %v\n", err)
				os.Exit(1)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing YAML file: %v\n", err)
				os.Exit(1)
			}
			jobs := buildJobsFromBatch(batchFile)
			if len(jobs) == 0 {
				fmt.Fprintln(os.Stderr, "No valid jobs found in the batch file")
				os.Exit(1)
			}
			runOneShot(jobs...)
		},
	}
}

func buildJobsFromBatch(batchFile BatchFile) []*utils.Job {
	var jobs []*utils.Job
	for kind, entries := range batchFile {
		normalized := normalizeJobKind(kind)
		if normalized == "" {
			fmt.Fprintf(os.Stderr, "Warning: Unknown job kind '%s', skipping...\n", kind)
			continue
		}
		for _, entry := range entries {
			if entry.URL == "" {
				fmt.Fprintf(os.Stderr, "Warning: Empty link found in %s section, skipping...\n", kind)
				continue
			}
			job := buildJob(normalized, entry.URL, entry.OutputPath)
			switch normalized {
			case "s3":
				job.Metadata["profile"] = "default"
			case "ytdlp":
				job.Metadata["format"] = "best"
			}
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// normalizeJobKind folds the aliases users write in batch files onto the
// registry's kind names.
func normalizeJobKind(kind string) string {
	kindMap := map[string]string{
		"http":         "http",
		"https":        "http",
		"s3":           "s3",
		"gdrive":       "gdrive",
		"googledrive":  "gdrive",
		"google-drive": "gdrive",
		"gitclone":     "gitclone",
		"git-clone":    "gitclone",
		"git":          "gitclone",
		"m3u8":         "m3u8",
		"hls":          "m3u8",
		"youtube":      "ytdlp",
		"yt":           "ytdlp",
		"ytdlp":        "ytdlp",
		"ytm":          "ytdlp",
		"ytmusic":      "ytdlp",
	}
	return kindMap[strings.ToLower(kind)]
}
