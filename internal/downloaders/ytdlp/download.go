package ytdlp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/utils"
)

// progressPrefix tags the lines yt-dlp emits through --progress-template so
// byte counts can be told apart from ordinary output.
const progressPrefix = "tug-progress"

func buildArgs(job *utils.Job) []string {
	args := []string{
		"--newline",
		"--no-warnings",
		"--progress-template", fmt.Sprintf("download:%s %%(progress.downloaded_bytes)s %%(progress.total_bytes)s", progressPrefix),
		"-f", job.Metadata["ytdlpFormat"].(string),
		"--ffmpeg-location", job.Metadata["ffmpegPath"].(string),
		"-o", job.OutputPath,
		"--no-playlist",
	}
	if embed, ok := job.Metadata["embedMetadata"].(bool); ok && embed {
		args = append(args, "--embed-metadata")
	}
	return append(args, job.URL)
}

func (d *YtdlpDownloader) Download(ctx context.Context, job *utils.Job) error {
	log := logx.Get("ytdlp")
	ytdlpPath := job.Metadata["ytdlpPath"].(string)
	cmd := exec.CommandContext(ctx, ytdlpPath, buildArgs(job)...)
	log.Debug().Str("op", "ytdlp/download").Msgf("Executing yt-dlp command: %s", cmd.String())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting yt-dlp: %v", err)
	}

	go d.processStream(stdout, job)
	go d.processStream(stderr, job)
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Error().Str("op", "ytdlp/download").Err(err).Msg("yt-dlp command failed")
		return fmt.Errorf("yt-dlp failed: %v", err)
	}
	log.Debug().Str("op", "ytdlp/download").Msgf("yt-dlp download completed for %s", job.URL)
	return nil
}

func (d *YtdlpDownloader) processStream(reader io.Reader, job *utils.Job) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if downloaded, total, ok := parseProgressLine(line); ok {
			if job.ProgressFunc != nil {
				job.ProgressFunc(downloaded, total)
			}
			continue
		}
		if job.StreamFunc != nil {
			job.StreamFunc(line)
		}
	}
}

// parseProgressLine reads "tug-progress <downloaded> <total>" lines. yt-dlp
// prints NA for counts it does not know yet.
func parseProgressLine(line string) (downloaded, total int64, ok bool) {
	if !strings.HasPrefix(line, progressPrefix) {
		return 0, 0, false
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, false
	}
	downloaded, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if fields[2] != "NA" {
		total, _ = strconv.ParseInt(fields[2], 10, 64)
	}
	return downloaded, total, true
}
