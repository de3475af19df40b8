package cmd

import (
	"github.com/spf13/cobra"
)

func newM3U8Cmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "m3u8 [URL] [--output OUTPUT_PATH]",
		Short: "Download HLS/M3U8 streams",
		Long: `Download an HLS stream by fetching its segments in parallel and merging
them with ffmpeg. Master playlists resolve to their first variant.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runOneShot(buildJob("m3u8", args[0], outputPath))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default derives from the manifest name)")
	return cmd
}
