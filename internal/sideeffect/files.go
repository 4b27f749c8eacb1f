package sideeffect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/model"
)

// FileClient verifies file references against the file storage gateway.
// Implements model.FileStorage.
type FileClient struct {
	http *httpClient
}

// NewFileClient creates a file storage client. Returns nil when no URL is
// configured; upload steps then accept any non-empty reference.
func NewFileClient(cfg config.ServiceClientConfig) *FileClient {
	if cfg.URL == "" {
		return nil
	}
	return &FileClient{http: newHTTPClient(cfg)}
}

// Stat checks that a file reference exists and returns its metadata from
// the response headers.
func (c *FileClient) Stat(ctx context.Context, fileRef string) (model.FileInfo, error) {
	resp, err := c.http.head(ctx, "/v1/files/"+url.PathEscape(fileRef))
	if err != nil {
		return model.FileInfo{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return model.FileInfo{}, fmt.Errorf("file %q not found", fileRef)
	}
	if resp.StatusCode != http.StatusOK {
		return model.FileInfo{}, fmt.Errorf("file %q: unexpected status %d", fileRef, resp.StatusCode)
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return model.FileInfo{
		Ref:         fileRef,
		Size:        size,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
