package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoInstanceIDsURI is returned when no metric_instance_ids_uri is set
var ErrNoInstanceIDsURI = errors.New("monitor: metric instance ids uri not configured")

// InstanceIDClient resolves instance names by POSTing them as a JSON
// array and reading back a JSON array of ids.
type InstanceIDClient struct {
	// URI returns the endpoint, typically through the naming resolver
	URI    func(ctx context.Context) (string, error)
	Client *http.Client
}

// Lookup implements InstanceIDLookup
func (c *InstanceIDClient) Lookup(ctx context.Context, names []string) ([]int, error) {
	uri, err := c.URI(ctx)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, ErrNoInstanceIDsURI
	}

	body, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("invalid instance ids body: %w", err)
	}
	return ids, nil
}
