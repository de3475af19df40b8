package m3u8

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tugdl/tug/internal/utils"
)

func TestParseM3U8URL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"routing prefix", "m3u8://https://cdn.example.com/live/index.m3u8", "https://cdn.example.com/live/index.m3u8", false},
		{"plain manifest", "https://cdn.example.com/vod/show.m3u8", "https://cdn.example.com/vod/show.m3u8", false},
		{"bad scheme", "m3u8://ftp://cdn.example.com/index.m3u8", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseM3U8URL(tc.url)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDefaultOutputName(t *testing.T) {
	assert.Equal(t, "show.mp4", defaultOutputName("https://cdn.example.com/vod/show.m3u8"))
	assert.Equal(t, "output.mp4", defaultOutputName("https://cdn.example.com/"))
}

func TestCollectSegmentURLsWalksMasterPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/hq/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n")
	})
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=1920x1080\n/hq/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=200000\n/lq/index.m3u8\n"

	client := utils.NewTugHTTPClient(utils.HTTPClientConfig{})
	segments, err := collectSegmentURLs(master, server.URL+"/master.m3u8", client, 0)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, server.URL+"/hq/seg0.ts", segments[0])
	assert.Equal(t, server.URL+"/hq/seg1.ts", segments[1])
}

func TestCollectSegmentURLsMediaPlaylist(t *testing.T) {
	content := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nhttps://cdn.example.com/a.ts\n#EXTINF:4.0,\nb.ts\n"
	client := utils.NewTugHTTPClient(utils.HTTPClientConfig{})
	segments, err := collectSegmentURLs(content, "https://cdn.example.com/vod/index.m3u8", client, 0)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "https://cdn.example.com/a.ts", segments[0])
	assert.Equal(t, "https://cdn.example.com/vod/b.ts", segments[1])
}

func TestDownloadSegments(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	payloads := map[string][]byte{}
	for i := range 6 {
		path := fmt.Sprintf("/seg%d.ts", i)
		body := []byte(fmt.Sprintf("segment-%d-payload", i))
		payloads[path] = body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Write(payloads[r.URL.Path])
		})
	}
	var urls []string
	for i := range 6 {
		urls = append(urls, fmt.Sprintf("%s/seg%d.ts", server.URL, i))
	}

	dir := t.TempDir()
	job := &utils.Job{
		Kind:        "m3u8",
		OutputPath:  filepath.Join(dir, "out.mp4"),
		Connections: 3,
		Metadata:    map[string]any{},
	}
	d := &M3U8Downloader{}
	client := utils.NewTugHTTPClient(utils.HTTPClientConfig{})
	files, err := d.downloadSegments(context.Background(), job, urls, filepath.Join(dir, "segments"), client)
	require.NoError(t, err)
	require.Len(t, files, 6)
	for i, path := range files {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("segment-%d-payload", i), string(data))
	}
}

func TestDownloadSegmentsPropagatesFailure(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/good.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	mux.HandleFunc("/bad.ts", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })

	dir := t.TempDir()
	job := &utils.Job{Kind: "m3u8", OutputPath: filepath.Join(dir, "out.mp4"), Connections: 2, Metadata: map[string]any{}}
	d := &M3U8Downloader{}
	client := utils.NewTugHTTPClient(utils.HTTPClientConfig{})
	_, err := d.downloadSegments(context.Background(), job, []string{server.URL + "/good.ts", server.URL + "/bad.ts"}, filepath.Join(dir, "segments"), client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 403")
}
