// Package events posts best-effort notifications to the event gateway.
package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
)

type ErrorResponse struct {
	ErrorMessage string `json:"msg"`
}

type postBody struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

type ingestResponse struct {
	Id int64 `json:"id"`
}

// Client posts events to one gateway ingest URL. A nil *Client is valid and
// drops every event.
type Client struct {
	url    string
	token  string
	http   *http.Client
	logger *slog.Logger

	pending sync.WaitGroup
}

// NewClient returns nil when url is empty so callers can emit unconditionally.
func NewClient(url, token string, logger *slog.Logger) *Client {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	if logger == nil {
		logger = helpers.NopLogger()
	}
	return &Client{
		url:    url,
		token:  token,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Emit posts one event and returns the id the gateway assigned.
func (c *Client) Emit(ctx context.Context, topic string, data any) (int64, error) {
	if c == nil {
		return 0, nil
	}
	jsonBody, err := jsoncodec.Marshal(postBody{Topic: topic, Data: data})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer helpers.CloseOrLog(resp.Body)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, err
	}

	if resp.StatusCode != http.StatusAccepted {
		var errorResponse ErrorResponse
		if jsoncodec.Unmarshal(body, &errorResponse) == nil && errorResponse.ErrorMessage != "" {
			return 0, fmt.Errorf("emit %s: %s (%d)", topic, errorResponse.ErrorMessage, resp.StatusCode)
		}
		return 0, fmt.Errorf("emit %s: unexpected status %d", topic, resp.StatusCode)
	}
	var ack ingestResponse
	if err := jsoncodec.Unmarshal(body, &ack); err != nil {
		return 0, err
	}
	return ack.Id, nil
}

// EmitAsync posts in the background; failures are logged at debug level.
func (c *Client) EmitAsync(topic string, data any) {
	if c == nil {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Emit(ctx, topic, data); err != nil {
			c.logger.Debug("Event emit failed", "topic", topic, "error", err)
		}
	}()
}

// Flush waits for EmitAsync posts still in flight.
func (c *Client) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
