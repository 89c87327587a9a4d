// Package extract calls the photo metadata extraction service, which
// looks at a collectible photo and suggests a title, notes and field
// values for the new item. Suggestions are strictly best-effort: any
// failure leaves the caller with an empty form, never an error path
// that blocks cataloging.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const (
	requestTimeout = 30 * time.Second

	// maxResponseSize bounds how much of the service response is read.
	maxResponseSize = 1 << 20
)

// Suggestion is the extracted metadata for one photo. Field values are
// keyed by field id and always arrive as text; the caller coerces them
// into the collection's schema.
type Suggestion struct {
	Title  string
	Notes  string
	Fields map[string]string
}

// Client talks to the extraction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the service at baseURL. A nil
// httpClient gets a default with a request timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Extract submits photo bytes and returns the service's suggestions.
// templateID hints which kind of collectible the photo shows.
func (c *Client) Extract(ctx context.Context, photo []byte, templateID string) (Suggestion, error) {
	endpoint := c.baseURL + "/extract?template=" + url.QueryEscape(templateID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(photo))
	if err != nil {
		return Suggestion{}, fmt.Errorf("creating extract request: %w", err)
	}

	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Suggestion{}, fmt.Errorf("reading extraction response: %w", err)
	}

	return parseSuggestion(body), nil
}

// parseSuggestion tolerantly pulls the known keys out of the response.
// The service's output shape drifts between model versions; unknown
// keys and wrong types are ignored rather than rejected.
func parseSuggestion(body []byte) Suggestion {
	s := Suggestion{
		Title: gjson.GetBytes(body, "title").String(),
		Notes: gjson.GetBytes(body, "notes").String(),
	}

	fields := gjson.GetBytes(body, "fields")
	if fields.IsObject() {
		s.Fields = make(map[string]string)

		fields.ForEach(func(key, value gjson.Result) bool {
			if v := value.String(); v != "" {
				s.Fields[key.String()] = v
			}

			return true
		})
	}

	return s
}
