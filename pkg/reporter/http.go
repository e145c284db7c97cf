package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPSender POSTs JSON payloads. A 2xx body holding a positive integer
// is read as the next interval in milliseconds.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender creates a sender with the given request timeout
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

// Send implements Sender
func (s *HTTPSender) Send(ctx context.Context, uri string, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return parseInterval(body), nil
}

// Close implements Sender
func (s *HTTPSender) Close() error {
	s.Client.CloseIdleConnections()
	return nil
}

func parseInterval(body []byte) time.Duration {
	text := strings.Trim(strings.TrimSpace(string(body)), `"`)
	ms, err := strconv.Atoi(text)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
