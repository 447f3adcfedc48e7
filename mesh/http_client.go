package mesh

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultPredictTimeout is the default HTTP request timeout for one depth prediction.
	DefaultPredictTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 64 MB to prevent OOM.
	maxResponseBytes = 64 << 20
)

// PredictOption configures an HTTPDepthPredictor.
type PredictOption func(*predictConfig)

type predictConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	unit        float64
}

func defaultPredictConfig() predictConfig {
	return predictConfig{
		timeout:     DefaultPredictTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		unit:        10,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) PredictOption {
	return func(c *predictConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) PredictOption {
	return func(c *predictConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) PredictOption {
	return func(c *predictConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) PredictOption {
	return func(c *predictConfig) {
		c.client = client
	}
}

// WithDepthUnit sets the depth of a full-scale 16-bit sample in the response.
func WithDepthUnit(unit float64) PredictOption {
	return func(c *predictConfig) {
		c.unit = unit
	}
}

// HTTPDepthPredictor asks a depth-estimation service for per-frame depth.
// The frame is POSTed as PNG; the service answers with a 16-bit grey PNG.
// A 503 answer means the model is not loaded.
type HTTPDepthPredictor struct {
	url    string
	cfg    predictConfig
	client *http.Client
}

// NewHTTPDepthPredictor returns a predictor for the service at url.
func NewHTTPDepthPredictor(url string, opts ...PredictOption) *HTTPDepthPredictor {
	cfg := defaultPredictConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &HTTPDepthPredictor{url: url, cfg: cfg, client: client}
}

// PredictDepth retries transient failures with exponential backoff. It
// returns ErrModelLoad when the service never had a model loaded and
// ErrDepthPrediction for every other failure.
func (p *HTTPDepthPredictor) PredictDepth(ctx context.Context, img image.Image) (*DepthMap, error) {
	if p.url == "" {
		return nil, errors.Wrap(ErrModelLoad, "predict depth: model URL is empty")
	}
	var payload bytes.Buffer
	if err := png.Encode(&payload, img); err != nil {
		return nil, errors.Wrapf(ErrDepthPrediction, "encode frame: %v", err)
	}

	attempts := p.cfg.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			backoff := p.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrDepthPrediction, "predict depth: %v", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doPredict(ctx, p.client, p.url, payload.Bytes())
		if err != nil {
			lastErr = err
			continue
		}

		out, _, err := image.Decode(bytes.NewReader(body))
		if err != nil {
			// Decode errors are not transient; do not retry.
			return nil, errors.Wrapf(ErrDepthPrediction, "decode depth response: %v", err)
		}
		return DepthFromImage(out, p.cfg.unit), nil
	}

	if errors.Is(lastErr, ErrModelLoad) {
		return nil, errors.Wrapf(lastErr, "predict depth: all %d attempts failed", attempts)
	}
	return nil, errors.Wrapf(ErrDepthPrediction, "predict depth: all %d attempts failed: %v", attempts, lastErr)
}

// doPredict performs a single HTTP POST and returns the response body bytes.
func doPredict(ctx context.Context, client *http.Client, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "image/png")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "HTTP POST %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, errors.Wrapf(ErrModelLoad, "HTTP POST %s: status %d", url, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP POST %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %s", url)
	}
	return body, nil
}
