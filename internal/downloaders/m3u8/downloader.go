package m3u8

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"

	"github.com/tugdl/tug/internal/utils"
)

type M3U8Downloader struct{}

func (d *M3U8Downloader) ValidateJob(job *utils.Job) error {
	manifestURL, err := parseM3U8URL(job.URL)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH, required for merging segments")
	}
	job.Metadata["manifestURL"] = manifestURL
	return nil
}

func (d *M3U8Downloader) BuildJob(job *utils.Job) error {
	manifestURL := job.Metadata["manifestURL"].(string)
	client := utils.NewTugHTTPClient(job.HTTPClientConfig)
	content, err := getManifest(manifestURL, client)
	if err != nil {
		return fmt.Errorf("error getting m3u8 manifest: %v", err)
	}
	segmentURLs, err := collectSegmentURLs(content, manifestURL, client, 0)
	if err != nil {
		return fmt.Errorf("error processing m3u8 content: %v", err)
	}
	if len(segmentURLs) == 0 {
		return fmt.Errorf("bad manifest: no segments found")
	}
	job.Metadata["segmentURLs"] = segmentURLs
	if job.OutputPath == "" {
		job.OutputPath = defaultOutputName(manifestURL)
	}
	job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	return nil
}

// parseM3U8URL accepts both the m3u8:// routing prefix and plain manifest URLs.
func parseM3U8URL(rawURL string) (string, error) {
	manifestURL := strings.TrimPrefix(rawURL, "m3u8://")
	parsed, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("invalid m3u8 URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}
	return manifestURL, nil
}

func defaultOutputName(manifestURL string) string {
	parsed, err := url.Parse(manifestURL)
	if err != nil {
		return "output.mp4"
	}
	base := strings.TrimSuffix(pathBase(parsed.Path), ".m3u8")
	if base == "" || base == "." || base == "/" {
		return "output.mp4"
	}
	return base + ".mp4"
}

func pathBase(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func getManifest(manifestURL string, client *utils.TugHTTPClient) (string, error) {
	req, err := http.NewRequest("GET", manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching m3u8 manifest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest request failed with status code %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading manifest content: %v", err)
	}
	return string(content), nil
}

const maxPlaylistDepth = 4

// collectSegmentURLs walks a playlist. Master playlists nest, so it recurses
// into the first variant, which HLS convention lists as the best quality.
func collectSegmentURLs(content, manifestURL string, client *utils.TugHTTPClient, depth int) ([]string, error) {
	if depth > maxPlaylistDepth {
		return nil, fmt.Errorf("bad manifest: playlists nested more than %d levels", maxPlaylistDepth)
	}
	baseURL, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing manifest URL: %v", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	var segmentURLs []string
	var variantURLs []string
	var isMasterPlaylist bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, "#EXT-X-STREAM-INF") {
				isMasterPlaylist = true
			}
			continue
		}
		resolved, err := resolveURL(baseURL, line)
		if err != nil {
			return nil, fmt.Errorf("error resolving URL %q: %v", line, err)
		}
		if isMasterPlaylist {
			variantURLs = append(variantURLs, resolved)
		} else {
			segmentURLs = append(segmentURLs, resolved)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning m3u8 content: %v", err)
	}
	if isMasterPlaylist && len(variantURLs) > 0 {
		subContent, err := getManifest(variantURLs[0], client)
		if err != nil {
			return nil, fmt.Errorf("error fetching variant playlist: %v", err)
		}
		return collectSegmentURLs(subContent, variantURLs[0], client, depth+1)
	}
	return segmentURLs, nil
}

func resolveURL(baseURL *url.URL, urlStr string) (string, error) {
	if strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://") {
		return urlStr, nil
	}
	relURL, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
