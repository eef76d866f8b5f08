// Package deps ensures external runtime dependencies (the 7zip helper used
// for world/pack archives) are downloaded once and cached by OS/architecture.
package deps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBaseURL hosts prebuilt helper binaries, one per os/arch.
const DefaultBaseURL = "https://github.com/danmuck/forgectl-dependencies/raw/main"

const downloadTimeout = 5 * time.Minute

// SevenZipName returns the cached binary name for the current platform.
func SevenZipName() string {
	arch := runtime.GOARCH
	if arch == "amd64" {
		arch = "x64"
	}
	return fmt.Sprintf("7z_%s_%s", runtime.GOOS, arch)
}

// Ensure downloads the 7zip helper into binariesDir/7zip unless it is already
// cached. An empty baseURL uses DefaultBaseURL.
func Ensure(ctx context.Context, binariesDir, baseURL string) error {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := SevenZipName()
	dir := filepath.Join(binariesDir, "7zip")
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		log.Info().Str("binary", name).Msg("7z already downloaded")
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deps: create %q: %w", dir, err)
	}

	log.Info().Str("binary", name).Msg("downloading 7z")
	if err := download(ctx, baseURL+"/"+name, target); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(target, 0o755); err != nil {
			return fmt.Errorf("deps: chmod %q: %w", target, err)
		}
	}
	return nil
}

// download fetches url into target via a temp file so a partial fetch never
// looks like a cached binary.
func download(ctx context.Context, url, target string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("deps: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("deps: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deps: fetch %q: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return fmt.Errorf("deps: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("deps: write %q: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("deps: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("deps: move into place: %w", err)
	}
	return nil
}
