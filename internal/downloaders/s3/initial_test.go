package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"bucket and key", "s3://backups/2026/august.tar.gz", "backups", "2026/august.tar.gz", false},
		{"bucket only", "s3://backups", "backups", "", false},
		{"folder key", "s3://media/videos/", "media", "videos/", false},
		{"empty bucket", "s3://", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bucket, key, err := parseS3URL(tc.url)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.key, key)
		})
	}
}
