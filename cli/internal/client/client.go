// Package client talks to a running relay over its HTTP API.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("User-Agent", "relayctl"),
	}
}

// APIError is the relay's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("relay returned %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// IngestResponse covers both single and batch ingestion replies.
type IngestResponse struct {
	Status     string   `json:"status" yaml:"status"`
	MessageID  string   `json:"messageId,omitempty" yaml:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty" yaml:"messageIds,omitempty"`
	Processed  int      `json:"processed,omitempty" yaml:"processed,omitempty"`
	Failed     int      `json:"failed,omitempty" yaml:"failed,omitempty"`
	Forwarded  bool     `json:"forwarded" yaml:"forwarded"`
}

type Subscription struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	URL               string     `json:"url" yaml:"url"`
	IsActive          bool       `json:"isActive" yaml:"isActive"`
	DeviceIDFilter    []string   `json:"deviceIdFilter" yaml:"deviceIdFilter"`
	PhoneNumberFilter []string   `json:"phoneNumberFilter" yaml:"phoneNumberFilter"`
	RetryCount        int        `json:"retryCount" yaml:"retryCount"`
	RetryDelaySeconds int        `json:"retryDelaySeconds" yaml:"retryDelaySeconds"`
	TimeoutSeconds    int        `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	SuccessCount      int64      `json:"successCount" yaml:"successCount"`
	FailureCount      int64      `json:"failureCount" yaml:"failureCount"`
	SuccessRate       float64    `json:"successRate" yaml:"successRate"`
	LastUsedAt        *time.Time `json:"lastUsedAt" yaml:"lastUsedAt"`
}

// SubscriptionRequest mirrors the relay's create body; nil fields take the
// server defaults.
type SubscriptionRequest struct {
	Name              string   `json:"name"`
	URL               string   `json:"url"`
	DeviceIDFilter    []string `json:"deviceIdFilter,omitempty"`
	PhoneNumberFilter []string `json:"phoneNumberFilter,omitempty"`
	RetryCount        *int     `json:"retryCount,omitempty"`
	RetryDelaySeconds *int     `json:"retryDelaySeconds,omitempty"`
	TimeoutSeconds    *int     `json:"timeoutSeconds,omitempty"`
}

type ForwardingStatus struct {
	InFlight     int64  `json:"inFlight" yaml:"inFlight"`
	Dispatched   uint64 `json:"dispatched" yaml:"dispatched"`
	Delivered    uint64 `json:"delivered" yaml:"delivered"`
	Failed       uint64 `json:"failed" yaml:"failed"`
	DeadLettered uint64 `json:"deadLettered" yaml:"deadLettered"`
	Panics       uint64 `json:"panics" yaml:"panics"`
	ShuttingDown bool   `json:"shuttingDown" yaml:"shuttingDown"`
}

func (c *Client) do(req *resty.Request, method, path string) error {
	apiErr := &APIError{}
	resp, err := req.SetError(apiErr).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}

// SendSMS posts a raw gateway payload, exactly as a device would.
func (c *Client) SendSMS(ctx context.Context, payload string) (*IngestResponse, error) {
	var out IngestResponse
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(payload).
		SetResult(&out)
	if err := c.do(req, resty.MethodPost, "/api/v1/sms"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(c.http.R().SetContext(ctx).SetResult(&out), resty.MethodGet, "/api/v1/subscriptions"); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

func (c *Client) CreateSubscription(ctx context.Context, in SubscriptionRequest) (*Subscription, error) {
	var out Subscription
	req := c.http.R().SetContext(ctx).SetBody(in).SetResult(&out)
	if err := c.do(req, resty.MethodPost, "/api/v1/subscriptions"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ForwardingStatus(ctx context.Context) (*ForwardingStatus, error) {
	var out ForwardingStatus
	if err := c.do(c.http.R().SetContext(ctx).SetResult(&out), resty.MethodGet, "/api/v1/forwarding/status"); err != nil {
		return nil, err
	}
	return &out, nil
}
