package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-trustvault/internal/engine"
)

// EnvelopeClient забирает конверт с консоли отправителя: GET /v1/transfer/{id}.
// Канал отдельный от канала ключей.
type EnvelopeClient struct {
	baseURL  string
	bearer   string
	client   *http.Client
	reliable *engine.ReliabilityWrapper
}

func NewEnvelopeClient(baseURL, bearer string, timeout time.Duration, reliable *engine.ReliabilityWrapper) *EnvelopeClient {
	return &EnvelopeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		bearer:   bearer,
		client:   &http.Client{Timeout: timeout},
		reliable: reliable,
	}
}

func (c *EnvelopeClient) Fetch(ctx context.Context, recordID string) (*Envelope, error) {
	endpoint := c.baseURL + "/v1/transfer/" + url.PathEscape(recordID)

	env, err := engine.Call(ctx, c.reliable, func(ctx context.Context) (*Envelope, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrPermanent, err)
		}
		if c.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+c.bearer)
		}
		if id, ok := engine.LookupTraceID(ctx); ok {
			req.Header.Set(engine.TraceHeader, id)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &engine.ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("sender returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%w: sender returned %d: %s", engine.ErrPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var out Envelope
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: decode envelope: %v", engine.ErrPermanent, err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch envelope %s: %w", recordID, err)
	}
	return env, nil
}

func retryAfter(v string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v) + "s"); err == nil && d > 0 {
		return d
	}
	return time.Second
}
