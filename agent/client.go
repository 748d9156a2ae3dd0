package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"rekkord/rekkorderr"
)

const (
	planFetchPath    = "/api/plan/fetch"
	linkSnapshotPath = "/api/link/snapshot"

	connectTimeout = 10 * time.Second
	totalTimeout   = 60 * time.Second
)

// Client talks to the external plan server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a plan-server client for baseURL, authenticating every
// request with apiKey.
func NewClient(baseURL, apiKey string) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
}

// FetchPlan retrieves the current plan item list.
func (c *Client) FetchPlan(ctx context.Context) ([]PlanItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+planFetchPath, nil)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Config, "fetch plan", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "fetch plan", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, rekkorderr.New(rekkorderr.Auth, "fetch plan", fmt.Errorf("plan server returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, rekkorderr.New(rekkorderr.Io, "fetch plan", fmt.Errorf("plan server returned %s", resp.Status))
	}

	var items []PlanItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "fetch plan", err)
	}
	return items, nil
}

// snapshotReport is the success body posted after a completed save.
type snapshotReport struct {
	Repository string `json:"repository"`
	Channel    string `json:"channel"`
	Timestamp  int64  `json:"timestamp"`
	OID        string `json:"oid"`
	Size       int64  `json:"size"`
	Stored     int64  `json:"stored"`
	Added      int64  `json:"added"`
}

// errorReport is the failure body posted after a failed save.
type errorReport struct {
	Repository string `json:"repository"`
	Channel    string `json:"channel"`
	Timestamp  int64  `json:"timestamp"`
	Error      string `json:"error"`
}

func (c *Client) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return rekkorderr.New(rekkorderr.Config, "report snapshot", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+linkSnapshotPath, bytes.NewReader(payload))
	if err != nil {
		return rekkorderr.New(rekkorderr.Config, "report snapshot", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "report snapshot", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rekkorderr.New(rekkorderr.Io, "report snapshot", fmt.Errorf("plan server returned %s", resp.Status))
	}
	return nil
}

// ReportSuccess posts a completed save's statistics for channel.
func (c *Client) ReportSuccess(ctx context.Context, repository, channelName string, timestamp int64, oidHex string, size, stored, added int64) error {
	return c.post(ctx, snapshotReport{
		Repository: repository,
		Channel:    channelName,
		Timestamp:  timestamp,
		OID:        oidHex,
		Size:       size,
		Stored:     stored,
		Added:      added,
	})
}

// ReportFailure posts the error message captured for channel.
func (c *Client) ReportFailure(ctx context.Context, repository, channelName string, timestamp int64, message string) error {
	return c.post(ctx, errorReport{
		Repository: repository,
		Channel:    channelName,
		Timestamp:  timestamp,
		Error:      message,
	})
}
