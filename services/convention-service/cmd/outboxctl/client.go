package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type publicationView struct {
	AttemptedAt time.Time `json:"attempted_at"`
	Succeeded   []string  `json:"succeeded"`
	Failures    []struct {
		HandlerID string `json:"handler_id"`
		Error     string `json:"error"`
	} `json:"failures"`
}

type eventView struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Quarantined  bool              `json:"quarantined"`
	Published    bool              `json:"published"`
	Attempts     int               `json:"attempts"`
	Payload      json.RawMessage   `json:"payload"`
	Publications []publicationView `json:"publications"`
}

type crawlResult struct {
	Fetched      int `json:"fetched"`
	Published    int `json:"published"`
	Failed       int `json:"failed"`
	RecordFailed int `json:"record_failed"`
	Skipped      int `json:"skipped"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// adminClient talks to the /admin surface of a running convention-service.
type adminClient struct {
	base  string
	token string
	httpc *http.Client
}

func newAdminClient(base, token string, timeout time.Duration) *adminClient {
	return &adminClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		httpc: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) ListEvents(ctx context.Context, topic, status string, limit int, before string) ([]eventView, error) {
	q := url.Values{}
	if topic != "" {
		q.Set("topic", topic)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var out struct {
		Events []eventView `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *adminClient) GetEvent(ctx context.Context, id string) (eventView, error) {
	var out eventView
	err := c.do(ctx, http.MethodGet, "/admin/events/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *adminClient) Crawl(ctx context.Context) (crawlResult, error) {
	var out crawlResult
	err := c.do(ctx, http.MethodPost, "/admin/crawler/run", nil, &out)
	return out, err
}
