package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPDirectory queries the voter registry API:
// GET {base}/api/voters/id/{voterID} -> {"photoUrl": "..."}.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory returns a directory client for the registry at baseURL.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: client}
}

type voterResponse struct {
	PhotoURL string `json:"photoUrl"`
}

// PhotoURL returns the photo location stored for voterID.
func (d *HTTPDirectory) PhotoURL(ctx context.Context, voterID string) (string, error) {
	var body voterResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("voterID", voterID).
		SetResult(&body).
		Get("/api/voters/id/{voterID}")
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("voter lookup returned status %d", resp.StatusCode())
	}
	if body.PhotoURL == "" {
		return "", ErrNoPhoto
	}
	return body.PhotoURL, nil
}
