package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"viewrelay/pkg/view"
)

var ErrUnexpectedStatus = errors.New("relay: unexpected status")

const apiPrefix = "/api/v1"

// Client forwards a change feed to a relay over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *Client) updateURL(table string) string {
	return c.baseURL + apiPrefix + "/update/" + url.PathEscape(table)
}

// Clear tells the relay to drop the table's cached view.
func (c *Client) Clear(ctx context.Context, table string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.updateURL(table), nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}
	return c.do(req)
}

// Post forwards one row update.
func (c *Client) Post(ctx context.Context, table string, u view.RowUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.updateURL(table), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Snapshot fetches the table's stable view.
func (c *Client) Snapshot(ctx context.Context, table string) (view.Payload, error) {
	var p view.Payload
	u := c.baseURL + apiPrefix + "/view/" + url.PathEscape(table)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return p, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return p, fmt.Errorf("GET do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p, statusError(req.Method, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return p, fmt.Errorf("decode snapshot: %w", err)
	}
	return p, nil
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s do: %w", req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(req.Method, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(method string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%w: %s %d: %s", ErrUnexpectedStatus, method, resp.StatusCode, strings.TrimSpace(string(b)))
}
