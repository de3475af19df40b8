package gdrive

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFileID(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"file link", "https://drive.google.com/file/d/1a2B3c4D5e/view?usp=sharing", "1a2B3c4D5e", false},
		{"folder link", "https://drive.google.com/drive/folders/9z8Y7x?usp=drive_link", "9z8Y7x", false},
		{"open link", "https://drive.google.com/open?id=abc123&authuser=0", "abc123", false},
		{"uc link", "https://drive.google.com/uc?export=download&id=file-42", "file-42", false},
		{"no id", "https://drive.google.com/drive/my-drive", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractFileID(tc.url)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	size, err := parseSize("1048576")
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), size)

	_, err = parseSize("not-a-number")
	assert.Error(t, err)
}

func TestIsAPIKey(t *testing.T) {
	assert.True(t, isAPIKey("AIzaSyD-fake-console-key"))
	assert.False(t, isAPIKey("ya29.a0AfH6-oauth-access-token"))
	assert.False(t, isAPIKey("AIz"))
}

type cannedDoer struct {
	responses []string
	requests  []*http.Request
}

func (c *cannedDoer) Do(req *http.Request) (*http.Response, error) {
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("no canned response left")
	}
	body := c.responses[0]
	c.responses = c.responses[1:]
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func TestGetFileMetadata(t *testing.T) {
	doer := &cannedDoer{responses: []string{`{"name":"report.pdf","size":"2048","mimeType":"application/pdf"}`}}
	metadata, fileID, err := getFileMetadata("https://drive.google.com/file/d/meta-1/view", doer, "AIzaSyD-key")
	require.NoError(t, err)
	assert.Equal(t, "meta-1", fileID)
	assert.Equal(t, "report.pdf", metadata["name"])

	require.Len(t, doer.requests, 1)
	assert.Contains(t, doer.requests[0].URL.RawQuery, "key=AIzaSyD-key")
	assert.Empty(t, doer.requests[0].Header.Get("Authorization"))
}

func TestListFolderContentsPaginates(t *testing.T) {
	doer := &cannedDoer{responses: []string{
		`{"nextPageToken":"page2","files":[{"id":"f1","name":"a.bin","size":"10"}]}`,
		`{"files":[{"id":"f2","name":"b.bin","size":"20"}]}`,
	}}
	files, err := listFolderContents("folder-1", "ya29.oauth-token", doer)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.bin", files[0]["name"])
	assert.Equal(t, "b.bin", files[1]["name"])

	require.Len(t, doer.requests, 2)
	assert.NotContains(t, doer.requests[0].URL.RawQuery, "pageToken")
	assert.Contains(t, doer.requests[1].URL.RawQuery, "pageToken=page2")
	assert.Equal(t, "Bearer ya29.oauth-token", doer.requests[0].Header.Get("Authorization"))
}
