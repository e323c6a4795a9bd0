package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HTTPDownloader fetches a single file from baseURL+"/"+repoID into
// destPath/modelBlobName over plain HTTP(S), standing in for the
// original implementation's huggingface_hub.snapshot_download. No
// library in this dependency corpus wraps the HuggingFace Hub API, so
// this is a deliberately small net/http client rather than a fabricated
// third-party dependency.
type HTTPDownloader struct {
	BaseURL    string
	BlobName   string
	Client     *http.Client
}

// NewHTTPDownloader creates a downloader rooted at baseURL (e.g.
// "https://huggingface.co"), fetching blobName ("model.bin" or
// "sentencepiece.bpe.model") from each repo's "resolve/main" path.
func NewHTTPDownloader(baseURL, blobName string) *HTTPDownloader {
	return &HTTPDownloader{
		BaseURL:  baseURL,
		BlobName: blobName,
		Client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

// Download fetches baseURL/repoID/resolve/main/blobName into
// destPath/blobName, creating destPath if needed.
func (d *HTTPDownloader) Download(ctx context.Context, repoID, destPath string) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("engine: mkdir %q: %w", destPath, err)
	}
	url := fmt.Sprintf("%s/%s/resolve/main/%s", d.BaseURL, repoID, d.BlobName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("engine: build request for %q: %w", url, err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("engine: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine: fetch %q: status %s", url, resp.Status)
	}

	out, err := os.Create(filepath.Join(destPath, d.BlobName))
	if err != nil {
		return fmt.Errorf("engine: create destination: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("engine: write %q: %w", destPath, err)
	}
	return nil
}

// UnavailableConverter reports that local weight conversion isn't
// available in this deployment — the original implementation's
// ctranslate2.converters.TransformersConverter requires the Python
// CTranslate2 toolchain, which this sidecar does not embed. Artifact
// resolution still tries the pre-converted-repo download first (spec
// §4.6 step 3); this converter is reached when the catalog lists no
// pre-converted artifact for the combo or that download fails.
type UnavailableConverter struct{}

func (UnavailableConverter) Convert(ctx context.Context, modelID, computeType, destPath string) error {
	return fmt.Errorf("engine: local conversion unavailable for %s at %s (no pre-converted artifact and no embedded converter)", modelID, computeType)
}
