package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tugdl/tug/internal/downloaders/ytdlp"
)

func newYouTubeCmd() *cobra.Command {
	var outputPath string
	var format string
	var embedMetadata bool

	cmd := &cobra.Command{
		Use:     "youtube [URL] [--output OUTPUT_PATH] [--format FORMAT]",
		Short:   "Download YouTube videos or music via yt-dlp",
		Long:    fmt.Sprintf("Download YouTube videos or music via yt-dlp.\n\nFormats: %s", strings.Join(ytdlp.FormatNames(), ", ")),
		Aliases: []string{"yt"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := buildJob("ytdlp", args[0], outputPath)
			if format != "" {
				job.Metadata["format"] = format
			}
			if embedMetadata {
				job.Metadata["embedMetadata"] = true
			}
			runOneShot(job)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	cmd.Flags().StringVar(&format, "format", "best", "Video format (best, 1080p, 720p, decent, audio, ...)")
	cmd.Flags().BoolVar(&embedMetadata, "embed-metadata", false, "Embed video metadata into the file")
	return cmd
}
