package e2e

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"

	"github.com/abelbrown/swipefeed/internal/config"
)

// imageServer serves a tiny placeholder body for every path and counts
// requests, so the pager can prefetch without leaving the machine.
type imageServer struct {
	*httptest.Server
	hits atomic.Int64
}

func newImageServer() *imageServer {
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
	}))
	return s
}

// writeFixtureConfig writes a config pointing the synthetic source at
// imageBase and returns its path.
func writeFixtureConfig(dataDir, imageBase string) (string, error) {
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Source.ImageBase = imageBase
	cfg.Cache.RatePerSec = 0

	path := filepath.Join(dataDir, "config.json")
	if err := cfg.SaveTo(path); err != nil {
		return "", err
	}
	return path, nil
}
