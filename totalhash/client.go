// Package totalhash looks up a sample's SHA-1 against the TotalHash sandbox
// report service and parses the XML report into structured findings.
package totalhash

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoAPIKey is returned by Lookup when the config carries no API key.
// Callers can still hand the user an AnalysisURL link.
var ErrNoAPIKey = errors.New("no totalhash API key configured")

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.QueryURL == "" {
		cfg.QueryURL = defaultQueryURL
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// AnalysisURL returns the public report link for a sample SHA-1. This is
// the fallback when no API key is available.
func (c *Client) AnalysisURL(sha1hex string) string {
	return c.cfg.QueryURL + "/analysis/" + sha1hex
}

// sign computes the request signature: HMAC-SHA256 over the queried hash,
// keyed with the API key, hex encoded.
func (c *Client) sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APIKey))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Lookup fetches and parses the analysis report for a sample SHA-1.
func (c *Client) Lookup(ctx context.Context, sha1hex string) (*Report, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	// The API expects the id/sign pair appended with '&' and no '?'.
	url := fmt.Sprintf("%s/analysis/%s&id=%s&sign=%s",
		c.cfg.QueryURL, sha1hex, c.cfg.User, c.sign(sha1hex))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("totalhash request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("totalhash returned status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	report, err := ParseReport(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return report, nil
}
