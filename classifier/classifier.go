// Package classifier calls the external image-analysis service and turns its
// verdict into a VerificationOutcome. All calls go through the
// "classification-service" circuit breaker; transient failures are retried
// with capped exponential backoff, everything else fails at once.
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/apex/log"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/breaker"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// ServiceName is the breaker key for the classification service.
const ServiceName = "classification-service"

// ErrMalformedResponse marks a reply the service contract does not allow.
// Never retried: the service answered, it just answered garbage.
var ErrMalformedResponse = errors.New("malformed classification response")

type classifyRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

type classifyResponse struct {
	IsValid         bool    `json:"is_valid"`
	Category        string  `json:"category"`
	Severity        int     `json:"severity"`
	RejectionReason *string `json:"rejection_reason"`
}

// statusError is a non-2xx reply. 5xx-equivalents are transient.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("classification service error (status %d): %s", e.code, e.body)
}

// Client is the classification service client.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client

	breaker     *breaker.Breaker
	callTimeout time.Duration
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swapped out in tests so retries don't take wall time.
	sleep func(time.Duration)
}

// NewClient creates a classification client guarded by br.
func NewClient(endpoint, apiKey string, br *breaker.Breaker, callTimeout time.Duration, maxRetries int, baseDelay, maxDelay time.Duration) *Client {
	return &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		client:      &http.Client{},
		breaker:     br,
		callTimeout: callTimeout,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       time.Sleep,
	}
}

// Classify sends the report text and images to the service and returns its
// verdict. An open breaker fails immediately with breaker.ErrCircuitOpen
// without consuming any retry budget.
func (c *Client) Classify(ctx context.Context, reportText string, images [][]byte) (*models.VerificationOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(c.backoff(attempt))
		}

		if err := c.breaker.Allow(); err != nil {
			// Breaker opened (or was open): fail fast, no network attempt.
			return nil, err
		}

		outcome, err := c.doRequest(ctx, reportText, images)
		if err == nil {
			c.breaker.Success()
			return outcome, nil
		}
		c.breaker.Failure()

		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		log.Warnf("classification attempt %d/%d failed: %v", attempt+1, c.maxRetries+1, err)
	}
	return nil, fmt.Errorf("classification failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, reportText string, images [][]byte) (*models.VerificationOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reqBody := classifyRequest{Text: reportText}
	for _, img := range images {
		reqBody.Images = append(reqBody.Images, base64.StdEncoding.EncodeToString(img))
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var verdict classifyResponse
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if verdict.IsValid && (verdict.Severity < 1 || verdict.Severity > 10) {
		return nil, fmt.Errorf("%w: severity %d out of range", ErrMalformedResponse, verdict.Severity)
	}

	outcome := &models.VerificationOutcome{
		IsValid:  verdict.IsValid,
		Category: verdict.Category,
		Severity: verdict.Severity,
	}
	if verdict.RejectionReason != nil {
		outcome.RejectionReason = *verdict.RejectionReason
	}
	return outcome, nil
}

// backoff doubles the base delay per attempt, caps it, and adds jitter so
// concurrent retries don't stampede the service.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	if c.baseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(c.baseDelay)))
	}
	return d
}

// isTransient reports whether the failure is worth retrying: timeouts,
// network errors and 5xx replies. Malformed responses and 4xx rejections
// are not.
func isTransient(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
