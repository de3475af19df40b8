package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/output"
)

const driveScope = "https://www.googleapis.com/auth/drive.readonly"

func tokenCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tug-token.json"
	}
	return filepath.Join(home, ".tug", "gdrive-token.json")
}

// getAccessTokenFromCredentials exchanges an OAuth client credentials file for
// an access token, reusing the cached token when it is still usable.
func getAccessTokenFromCredentials(credentialsFile string) (string, error) {
	log := logx.Get("gdrive")
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", fmt.Errorf("error reading credentials file: %v", err)
	}
	config, err := google.ConfigFromJSON(data, driveScope)
	if err != nil {
		return "", fmt.Errorf("error parsing credentials file: %v", err)
	}

	cachePath := tokenCachePath()
	token, err := tokenFromFile(cachePath)
	if err == nil {
		if token.Valid() {
			log.Debug().Str("op", "gdrive/auth").Msg("Using cached OAuth token")
			return token.AccessToken, nil
		}
		if token.RefreshToken != "" {
			refreshed, err := config.TokenSource(context.Background(), token).Token()
			if err == nil {
				saveToken(cachePath, refreshed)
				log.Debug().Str("op", "gdrive/auth").Msg("Refreshed OAuth token")
				return refreshed.AccessToken, nil
			}
			log.Debug().Str("op", "gdrive/auth").Msgf("Token refresh failed: %v", err)
		}
	}

	token, err = getTokenFromWeb(config)
	if err != nil {
		return "", err
	}
	saveToken(cachePath, token)
	return token.AccessToken, nil
}

// getTokenFromWeb walks the user through the consent flow on the terminal.
func getTokenFromWeb(config *oauth2.Config) (*oauth2.Token, error) {
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	output.PrintDetail("\nVisit this URL to get the authorization code:\n")
	fmt.Printf("%s\n", authURL)
	output.PrintDetail("\nAfter authorizing, enter the authorization code:")
	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %v", err)
	}
	token, err := config.Exchange(context.Background(), authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange authorization code: %v", err)
	}
	return token, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	return token, nil
}

func saveToken(path string, token *oauth2.Token) {
	log := logx.Get("gdrive")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.Warn().Str("op", "gdrive/auth").Msgf("Could not create token cache directory: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.Warn().Str("op", "gdrive/auth").Msgf("Could not cache OAuth token: %v", err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(token); err != nil {
		log.Warn().Str("op", "gdrive/auth").Msgf("Could not write OAuth token: %v", err)
	}
}
