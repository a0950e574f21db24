package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/breaker"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

func newTestClient(endpoint string, br *breaker.Breaker, maxRetries int) *Client {
	c := NewClient(endpoint, "test-key", br, 2*time.Second, maxRetries, 10*time.Millisecond, 50*time.Millisecond)
	c.sleep = func(time.Duration) {}
	return c
}

func newBreaker(threshold int) *breaker.Breaker {
	return breaker.New(ServiceName, threshold, 30*time.Second, models.SystemClock{})
}

func TestClassifyValidVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"is_valid": true, "category": "pothole", "severity": 7, "rejection_reason": null}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, newBreaker(5), 2).Classify(context.Background(), "large pothole", nil)
	require.NoError(t, err)
	assert.True(t, out.IsValid)
	assert.Equal(t, "pothole", out.Category)
	assert.Equal(t, 7, out.Severity)
	assert.Empty(t, out.RejectionReason)
}

func TestClassifyRejectionVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_valid": false, "category": "", "severity": 0, "rejection_reason": "not a civic issue"}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, newBreaker(5), 2).Classify(context.Background(), "selfie", nil)
	require.NoError(t, err)
	assert.False(t, out.IsValid)
	assert.Equal(t, "not a civic issue", out.RejectionReason)
}

func TestClassifyRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"is_valid": true, "category": "garbage", "severity": 3}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, newBreaker(5), 2).Classify(context.Background(), "overflowing bin", nil)
	require.NoError(t, err)
	assert.True(t, out.IsValid)
	assert.Equal(t, int32(3), calls.Load(), "two failures then a success")
}

func TestClassifyExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, newBreaker(10), 2).Classify(context.Background(), "text", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestClassifyDoesNotRetryMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`this is not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, newBreaker(10), 2).Classify(context.Background(), "text", nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, int32(1), calls.Load(), "malformed responses must not be retried")
}

func TestClassifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, newBreaker(10), 2).Classify(context.Background(), "text", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifySeverityOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_valid": true, "category": "pothole", "severity": 42}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, newBreaker(10), 0).Classify(context.Background(), "text", nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenBreakerFailsFastWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := newBreaker(2)
	c := newTestClient(srv.URL, br, 1)

	// Trip the breaker: one Classify run makes two failing attempts.
	_, err := c.Classify(context.Background(), "text", nil)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, br.State())
	before := calls.Load()

	_, err = c.Classify(context.Background(), "text", nil)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the service")
}

func TestBreakerOpensMidRetryLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Threshold 1: the first failure opens the breaker, so the retry loop
	// must stop without touching the network again.
	br := newBreaker(1)
	_, err := newTestClient(srv.URL, br, 5).Classify(context.Background(), "text", nil)
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyTimeoutCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"is_valid": true, "category": "x", "severity": 1}`))
	}))
	defer srv.Close()

	br := newBreaker(1)
	c := NewClient(srv.URL, "", br, 20*time.Millisecond, 0, time.Millisecond, time.Millisecond)
	c.sleep = func(time.Duration) {}

	_, err := c.Classify(context.Background(), "text", nil)
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, br.State(), "timeout must count toward the breaker")
}

func TestBackoffZeroBaseDelay(t *testing.T) {
	c := NewClient("http://unused", "", newBreaker(5), time.Second, 2, 0, time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, time.Duration(0), c.backoff(attempt))
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	c := NewClient("http://unused", "", newBreaker(5), time.Second, 5, 100*time.Millisecond, 300*time.Millisecond)

	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 4: 300 * time.Millisecond} {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		assert.Less(t, d, want+100*time.Millisecond, "attempt %d jitter bound", attempt)
	}
}
