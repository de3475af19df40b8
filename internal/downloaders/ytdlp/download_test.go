package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tugdl/tug/internal/utils"
)

func TestValidateJob(t *testing.T) {
	d := &YtdlpDownloader{}

	job := &utils.Job{URL: "https://www.youtube.com/watch?v=abc123", Metadata: map[string]any{}}
	assert.NoError(t, d.ValidateJob(job))

	job = &utils.Job{URL: "https://youtu.be/abc123", Metadata: map[string]any{"format": "720p"}}
	assert.NoError(t, d.ValidateJob(job))

	job = &utils.Job{URL: "https://example.com/video", Metadata: map[string]any{}}
	assert.ErrorContains(t, d.ValidateJob(job), "invalid YouTube URL")

	job = &utils.Job{URL: "https://youtu.be/abc123", Metadata: map[string]any{"format": "8k-hdr"}}
	assert.ErrorContains(t, d.ValidateJob(job), "unsupported format")
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name           string
		line           string
		wantDownloaded int64
		wantTotal      int64
		wantOK         bool
	}{
		{"known total", "tug-progress 1048576 52428800", 1048576, 52428800, true},
		{"unknown total", "tug-progress 2048 NA", 2048, 0, true},
		{"ordinary output", "[download] Destination: clip.mp4", 0, 0, false},
		{"torn line", "tug-progress 2048", 0, 0, false},
		{"garbage counts", "tug-progress twelve NA", 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			downloaded, total, ok := parseProgressLine(tc.line)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantDownloaded, downloaded)
			assert.Equal(t, tc.wantTotal, total)
		})
	}
}

func TestBuildArgs(t *testing.T) {
	job := &utils.Job{
		URL:        "https://youtu.be/abc123",
		OutputPath: "clip.mp4",
		Metadata: map[string]any{
			"ytdlpFormat": ytdlpFormats["720p"],
			"ffmpegPath":  "/usr/bin/ffmpeg",
		},
	}
	args := buildArgs(job)
	assert.Contains(t, args, "--no-playlist")
	assert.Contains(t, args, ytdlpFormats["720p"])
	assert.Equal(t, "https://youtu.be/abc123", args[len(args)-1])
	assert.NotContains(t, args, "--embed-metadata")

	job.Metadata["embedMetadata"] = true
	assert.Contains(t, buildArgs(job), "--embed-metadata")
}

func TestFormatNames(t *testing.T) {
	names := FormatNames()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "best")
	assert.Contains(t, names, "audio")
}
