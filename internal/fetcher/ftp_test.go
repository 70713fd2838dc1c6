package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://data.example.org/exports/valset.csv",
			wantHost: "data.example.org:21",
			wantPath: "/exports/valset.csv",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://data.example.org:2121/valset.json",
			wantHost: "data.example.org:2121",
			wantPath: "/valset.json",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/valset.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://data.example.org",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcherDefaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, "anonymous", f.opts.User)
}
