package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

type verifyRequest struct {
	Img1Path        string `json:"img1_path"`
	Img2Path        string `json:"img2_path"`
	ModelName       string `json:"model_name"`
	DistanceMetric  string `json:"distance_metric"`
	DetectorBackend string `json:"detector_backend"`
	AntiSpoofing    bool   `json:"anti_spoofing"`
}

type verifyResponse struct {
	Verified        bool    `json:"verified"`
	Distance        float64 `json:"distance"`
	Threshold       float64 `json:"threshold"`
	Model           string  `json:"model"`
	DetectorBackend string  `json:"detector_backend"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Exception string `json:"exception"`
}

// HTTPClient talks to a DeepFace-compatible REST service.
type HTTPClient struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPClient returns a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPClient{client: client, logger: logger.Named("matcher")}
}

// Verify posts both paths to /verify.
func (c *HTTPClient) Verify(ctx context.Context, req Request) (*Result, error) {
	var (
		body    verifyResponse
		failure errorResponse
	)
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(verifyRequest{
			Img1Path:        req.Img1Path,
			Img2Path:        req.Img2Path,
			ModelName:       req.Policy.ModelName,
			DistanceMetric:  req.Policy.DistanceMetric,
			DetectorBackend: req.Policy.DetectorBackend,
			AntiSpoofing:    req.Policy.AntiSpoofing,
		}).
		SetResult(&body).
		SetError(&failure).
		Post("/verify")
	if err != nil {
		wrapped := logging.NewOperationError("matcher.verify", req.RequestID, err)
		c.logger.Error("matcher call failed", zap.Error(wrapped), zap.String("request_id", req.RequestID))
		return nil, wrapped
	}

	if !resp.IsSuccess() {
		text := failure.Error
		if text == "" {
			text = failure.Exception
		}
		if text == "" {
			text = strings.TrimSpace(resp.String())
		}
		if text == "" {
			text = fmt.Sprintf("matcher responded with status %d", resp.StatusCode())
		}
		c.logger.Warn("matcher rejected comparison",
			zap.String("request_id", req.RequestID),
			zap.Int("status", resp.StatusCode()),
			zap.String("detail", text),
		)
		return nil, &Failure{Text: text}
	}

	return &Result{
		Verified:        body.Verified,
		Distance:        body.Distance,
		Threshold:       body.Threshold,
		Model:           body.Model,
		DetectorBackend: body.DetectorBackend,
	}, nil
}
