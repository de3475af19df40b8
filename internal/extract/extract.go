// Package extract probes media URLs through yt-dlp's JSON dump mode and
// normalizes the result into a small format contract for callers.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tugdl/tug/internal/downloaders/ytdlp"
	"github.com/tugdl/tug/internal/logx"
)

type MediaInfo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Uploader string   `json:"uploader,omitempty"`
	Duration float64  `json:"duration,omitempty"`
	Formats  []Format `json:"formats"`
}

type Format struct {
	ID             string `json:"format_id"`
	Ext            string `json:"ext"`
	Resolution     string `json:"resolution,omitempty"`
	Note           string `json:"format_note,omitempty"`
	Filesize       int64  `json:"filesize,omitempty"`
	FilesizeApprox int64  `json:"filesize_approx,omitempty"`
	URL            string `json:"url,omitempty"`
}

// Size prefers the exact byte count, falling back to yt-dlp's estimate.
func (f Format) Size() int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	return f.FilesizeApprox
}

// Probe runs yt-dlp -J against a single URL and parses the dump.
func Probe(ctx context.Context, url string) (*MediaInfo, error) {
	ytdlpPath, err := ytdlp.EnsureYtdlp()
	if err != nil {
		return nil, fmt.Errorf("error ensuring yt-dlp: %v", err)
	}
	cmd := exec.CommandContext(ctx, ytdlpPath, "-J", "--no-warnings", "--no-playlist", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log := logx.Get("extract")
	log.Debug().Str("op", "extract/probe").Msgf("Executing probe: %s", cmd.String())
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("probe failed: %s", detail)
		}
		return nil, fmt.Errorf("probe failed: %v", err)
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (*MediaInfo, error) {
	var info MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("error parsing extractor output: %v", err)
	}
	if len(info.Formats) == 0 {
		return nil, fmt.Errorf("could not parse any formats from extractor output")
	}
	return &info, nil
}

// FormatDuration renders seconds as HH:MM:SS, dropping the hour field when zero.
func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return "unknown"
	}
	total := int(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
