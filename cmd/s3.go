package cmd

import (
	"github.com/spf13/cobra"
)

func newS3Cmd() *cobra.Command {
	var outputPath string
	var profile string

	cmd := &cobra.Command{
		Use:   "s3 [BUCKET/KEY or s3://BUCKET/KEY]",
		Short: "Download files from AWS S3",
		Long: `Download files or folders from AWS S3.

Examples:
  tug s3 mybucket/path/to/file.zip
  tug s3 s3://mybucket/path/to/folder/
  tug s3 mybucket/file.zip --profile myprofile`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := buildJob("s3", args[0], outputPath)
			job.Metadata["profile"] = profile
			runOneShot(job)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&profile, "profile", "default", "AWS profile to use")
	return cmd
}
