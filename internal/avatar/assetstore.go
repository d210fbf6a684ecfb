package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPAssetStore uploads assets to the world server's asset endpoint.
type HTTPAssetStore struct {
	base  string
	httpc *http.Client
}

// NewHTTPAssetStore creates a store posting to base (e.g.
// "http://world:9100/assets").
func NewHTTPAssetStore(base string, httpc *http.Client) *HTTPAssetStore {
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAssetStore{base: base, httpc: httpc}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload posts the asset bytes and returns the URL the world serves it
// from.
func (s *HTTPAssetStore) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	target := s.base
	if filename != "" {
		target += "?filename=" + url.QueryEscape(filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("asset store returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("malformed asset store reply: %w", err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("asset store reply missing url")
	}
	return parsed.URL, nil
}
