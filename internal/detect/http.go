package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/paulmach/orb/geojson"
)

// HTTPDetector posts tile bytes to an HTTP model endpoint. Transient
// failures are retried by the underlying client; anything that survives the
// retries is a tile failure.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector creates a detector for the endpoint URL.
func NewHTTPDetector(url string) *HTTPDetector {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil
	return &HTTPDetector{url: url, client: rc.StandardClient()}
}

// ModelName returns the endpoint URL; HTTP endpoints have no separate name.
func (d *HTTPDetector) ModelName() string { return d.url }

// DetectFeatures posts the encoded tile and parses the response as a
// feature collection.
func (d *HTTPDetector) DetectFeatures(ctx context.Context, tilePath string) (*geojson.FeatureCollection, error) {
	payload, err := readTile(tilePath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build detector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", d.url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read detector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector %s returned %d: %s", d.url, resp.StatusCode, truncate(body, 256))
	}
	return ParseFeatureCollection(body)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// fcUnmarshalList decodes a bare JSON feature array.
func fcUnmarshalList(body []byte, out any) error {
	return json.Unmarshal(body, out)
}
