package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/api"
)

var (
	apiAddr string
	apiKey  string
	apiRole string
)

// apiClient talks to the operator API of a running `civicsync serve`.
type apiClient struct {
	base string
	key  string
	role string
	http *http.Client
}

func newAPIClient() *apiClient {
	base := apiAddr
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		key:  apiKey,
		role: apiRole,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses become errors carrying the API's message.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return eris.Wrap(err, "api: build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set(api.HeaderAPIKey, c.key)
	}
	if c.role != "" {
		req.Header.Set(api.HeaderCallerRole, c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "api: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return eris.Wrap(err, "api: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			msg += " (retry after " + retry + "s)"
		}
		return eris.Errorf("api: %s %s: %d %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "api: decode response")
	}
	return nil
}
