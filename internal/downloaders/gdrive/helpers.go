package gdrive

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
)

const driveAPIURL = "https://www.googleapis.com/drive/v3/files"

var fileIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([^/?]+)`),
	regexp.MustCompile(`/folders/([^/?]+)`),
	regexp.MustCompile(`[?&]id=([^&]+)`),
}

func extractFileID(rawURL string) (string, error) {
	for _, pattern := range fileIDPatterns {
		if matches := pattern.FindStringSubmatch(rawURL); len(matches) > 1 {
			return matches[1], nil
		}
	}
	return "", fmt.Errorf("could not extract file ID from URL: %s", rawURL)
}

// parseSize converts the Drive API's string size field to bytes.
func parseSize(size string) (int64, error) {
	return strconv.ParseInt(size, 10, 64)
}

func buildMetadataRequest(fileID, token, fields string) (*http.Request, error) {
	reqURL := fmt.Sprintf("%s/%s?fields=%s", driveAPIURL, fileID, url.QueryEscape(fields))
	isOAuth := !isAPIKey(token)
	if !isOAuth {
		reqURL += "&key=" + token
	}
	req, err := http.NewRequest("GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	if isOAuth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func getFileMetadata(jobURL string, client httpDoer, token string) (map[string]any, string, error) {
	fileID, err := extractFileID(jobURL)
	if err != nil {
		return nil, "", err
	}
	req, err := buildMetadataRequest(fileID, token, "name,size,mimeType")
	if err != nil {
		return nil, "", fmt.Errorf("error creating metadata request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("error fetching metadata: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("metadata request failed with status code %d", resp.StatusCode)
	}
	var metadata map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, "", fmt.Errorf("error decoding metadata: %v", err)
	}
	return metadata, fileID, nil
}

func listFolderContents(folderID, token string, client httpDoer) ([]map[string]any, error) {
	var files []map[string]any
	pageToken := ""
	isOAuth := !isAPIKey(token)
	for {
		query := url.Values{}
		query.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		query.Set("fields", "nextPageToken,files(id,name,size,mimeType)")
		query.Set("pageSize", "1000")
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		if !isOAuth {
			query.Set("key", token)
		}
		req, err := http.NewRequest("GET", driveAPIURL+"?"+query.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("error creating folder listing request: %v", err)
		}
		if isOAuth {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("error listing folder: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("folder listing failed with status code %d", resp.StatusCode)
		}
		var result struct {
			NextPageToken string           `json:"nextPageToken"`
			Files         []map[string]any `json:"files"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("error decoding folder listing: %v", err)
		}
		files = append(files, result.Files...)
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	return files, nil
}

// API keys from the Google console start with AIza, OAuth tokens never do.
func isAPIKey(token string) bool {
	return len(token) > 4 && token[:4] == "AIza"
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
