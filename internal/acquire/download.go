package acquire

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/gommon/log"
)

const DefaultDownloadTimeout = 20 * time.Second

type Downloader struct {
	client  *http.Client
	timeout time.Duration
	logger  *log.Logger
}

func NewDownloader(client *http.Client, timeout time.Duration, logger *log.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	if logger == nil {
		logger = log.New("download")
	}
	return &Downloader{client: client, timeout: timeout, logger: logger}
}

// Download fetches url into dest and reports whether dest now holds the
// response body. No failure is returned: it is logged and dest is left absent,
// or untouched when it already existed.
func (d *Downloader) Download(ctx context.Context, url, dest string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.logger.Debugf("download %s: %v", url, err)
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debugf("download %s: %v", url, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Debugf("download %s: status %d", url, resp.StatusCode)
		return false
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		d.logger.Debugf("download %s: %v", url, err)
		return false
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		// Link fails when dest exists, so a finished image is never replaced.
		err = os.Link(tmpName, dest)
	}
	if err != nil {
		d.logger.Debugf("download %s: %v", url, err)
		return false
	}
	return true
}
