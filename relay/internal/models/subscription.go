package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Subscription defaults and the User-Agent sent when none is configured.
const (
	DefaultRetryCount        = 3
	DefaultRetryDelaySeconds = 5
	DefaultTimeoutSeconds    = 30
	DefaultUserAgent         = "goip-relay/1.0"
)

// ErrInvalidSubscription wraps every validation failure.
var ErrInvalidSubscription = errors.New("invalid subscription")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Subscription is an admin-configured webhook destination.
type Subscription struct {
	ID                string            `json:"id"`
	Name              string            `json:"name" validate:"required,max=200"`
	URL               string            `json:"url" validate:"required,http_url"`
	IsActive          bool              `json:"isActive"`
	DeviceIDFilter    []string          `json:"deviceIdFilter" validate:"dive,required"`
	PhoneNumberFilter []string          `json:"phoneNumberFilter" validate:"dive,required"`
	Headers           map[string]string `json:"headers" validate:"dive,keys,required,endkeys"`
	RetryCount        int               `json:"retryCount" validate:"gte=0,lte=10"`
	RetryDelaySeconds int               `json:"retryDelaySeconds" validate:"gte=1,lte=300"`
	TimeoutSeconds    int               `json:"timeoutSeconds" validate:"gte=5,lte=300"`
	SuccessCount      int64             `json:"successCount"`
	FailureCount      int64             `json:"failureCount"`
	LastUsedAt        *time.Time        `json:"lastUsedAt"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// MaxAttempts is the first try plus the configured retries.
func (s *Subscription) MaxAttempts() int {
	return s.RetryCount + 1
}

func (s *Subscription) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *Subscription) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// SuccessRate returns successes over completed deliveries as a percentage.
// With no completed deliveries it reports 100.
func (s *Subscription) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 100
	}
	return float64(s.SuccessCount) / float64(total) * 100
}

// Matches reports whether s should receive a message from device (either its
// hardware identifier or record ID) addressed to receiver.
func (s *Subscription) Matches(deviceID, deviceRef, receiver string) bool {
	if !s.IsActive {
		return false
	}
	if len(s.DeviceIDFilter) > 0 &&
		!slices.Contains(s.DeviceIDFilter, deviceID) &&
		(deviceRef == "" || !slices.Contains(s.DeviceIDFilter, deviceRef)) {
		return false
	}
	if len(s.PhoneNumberFilter) > 0 && !slices.Contains(s.PhoneNumberFilter, receiver) {
		return false
	}
	return true
}

// SubscriptionInput is the admin-facing create/update shape. Nil fields take
// their defaults.
type SubscriptionInput struct {
	Name              string            `json:"name" yaml:"name"`
	URL               string            `json:"url" yaml:"url"`
	IsActive          *bool             `json:"isActive,omitempty" yaml:"isActive,omitempty"`
	DeviceIDFilter    []string          `json:"deviceIdFilter,omitempty" yaml:"deviceIdFilter,omitempty"`
	PhoneNumberFilter []string          `json:"phoneNumberFilter,omitempty" yaml:"phoneNumberFilter,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RetryCount        *int              `json:"retryCount,omitempty" yaml:"retryCount,omitempty"`
	RetryDelaySeconds *int              `json:"retryDelaySeconds,omitempty" yaml:"retryDelaySeconds,omitempty"`
	TimeoutSeconds    *int              `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Build normalizes in, applies defaults and validates the result.
func (in SubscriptionInput) Build() (*Subscription, error) {
	s := &Subscription{
		Name:              strings.TrimSpace(in.Name),
		URL:               NormalizeURL(in.URL),
		IsActive:          true,
		DeviceIDFilter:    trimAll(in.DeviceIDFilter),
		PhoneNumberFilter: trimAll(in.PhoneNumberFilter),
		Headers:           DefaultHeaders(),
		RetryCount:        DefaultRetryCount,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
		TimeoutSeconds:    DefaultTimeoutSeconds,
	}
	if in.IsActive != nil {
		s.IsActive = *in.IsActive
	}
	for k, v := range in.Headers {
		s.Headers[k] = v
	}
	if in.RetryCount != nil {
		s.RetryCount = *in.RetryCount
	}
	if in.RetryDelaySeconds != nil {
		s.RetryDelaySeconds = *in.RetryDelaySeconds
	}
	if in.TimeoutSeconds != nil {
		s.TimeoutSeconds = *in.TimeoutSeconds
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks s against the field constraints.
func (s *Subscription) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidSubscription, strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Namespace() + " is required"
	case "http_url":
		return fe.Field() + " must be an http or https URL"
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", fe.Field(), map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}

// NormalizeURL trims raw and prefixes https:// when no scheme is present.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}

// DefaultHeaders returns a fresh copy of the headers every subscription
// starts with.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   DefaultUserAgent,
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
