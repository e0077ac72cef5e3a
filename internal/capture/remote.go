package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	renderPath   = "/render"
	maxRetries   = 2
	maxImageSize = 50 << 20
)

// RemoteRenderer posts Params as JSON to a rendering backend and returns the
// response body. Only backend unavailability (connection refused, 502, 503)
// is retried; a render that reached the target is never repeated.
type RemoteRenderer struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewRemoteRenderer(baseURL string, log *zap.Logger) *RemoteRenderer {
	return &RemoteRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log,
	}
}

type renderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *RemoteRenderer) Render(ctx context.Context, p Params) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			r.log.Warn("retrying renderer", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, r.contextErr(ctx)
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		out, retry, err := r.do(ctx, payload)
		if err == nil {
			return out, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *RemoteRenderer) do(ctx context.Context, payload []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+renderPath, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, r.contextErr(ctx)
		}
		retry := errors.Is(err, syscall.ECONNREFUSED)
		return nil, retry, fmt.Errorf("renderer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, r.contextErr(ctx)
		}
		return nil, false, fmt.Errorf("read render response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, true, fmt.Errorf("renderer unavailable: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, false, ErrTimeout
	}

	var re renderError
	if json.Unmarshal(body, &re) == nil {
		if typed := errorForCode(re.Code); typed != nil {
			return nil, false, fmt.Errorf("%w: %s", typed, re.Message)
		}
	}
	return nil, false, fmt.Errorf("renderer returned status %d", resp.StatusCode)
}

func (r *RemoteRenderer) contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
