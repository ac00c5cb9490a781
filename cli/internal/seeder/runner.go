package seeder

import (
	"context"
	"time"

	"github.com/goip-relay/goip-relay/cli/internal/client"
)

// Sender delivers a payload to the relay.
type Sender interface {
	SendSMS(ctx context.Context, payload string) (*client.IngestResponse, error)
}

type Config struct {
	Count     int
	BatchSize int // 0 or 1 sends one message per request
	Interval  time.Duration
}

type Summary struct {
	Requests int `json:"requests" yaml:"requests"`
	Accepted int `json:"accepted" yaml:"accepted"`
	Rejected int `json:"rejected" yaml:"rejected"`
	Errors   int `json:"errors" yaml:"errors"`
}

type Runner struct {
	gen    *Generator
	sender Sender
	cfg    Config

	// OnError is called for every failed request when set.
	OnError func(err error)
}

func NewRunner(gen *Generator, sender Sender, cfg Config) *Runner {
	return &Runner{gen: gen, sender: sender, cfg: cfg}
}

// Run sends cfg.Count messages and stops early when ctx ends.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	batch := max(r.cfg.BatchSize, 1)

	for sent := 0; sent < r.cfg.Count; {
		n := min(batch, r.cfg.Count-sent)
		msgs := make([]Message, n)
		for i := range msgs {
			msgs[i] = r.gen.Next()
		}

		payload := msgs[0].Payload()
		if n > 1 {
			payload = Batch(msgs)
		}

		sum.Requests++
		resp, err := r.sender.SendSMS(ctx, payload)
		switch {
		case err != nil:
			sum.Errors++
			sum.Rejected += n
			if r.OnError != nil {
				r.OnError(err)
			}
		case n > 1:
			sum.Accepted += resp.Processed
			sum.Rejected += resp.Failed
		default:
			sum.Accepted++
		}
		sent += n

		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if r.cfg.Interval > 0 && sent < r.cfg.Count {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(r.cfg.Interval):
			}
		}
	}
	return sum, nil
}
