// Package search indexes inbound messages into OpenSearch for full-text
// lookup.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/relay/internal/models"
)

var ErrQueueFull = errors.New("index queue full")

type Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	Index         string `mapstructure:"index"`
	QueueSize     int    `mapstructure:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		URL:       "https://localhost:9200",
		Username:  "admin",
		Password:  "admin",
		Index:     "relay-messages",
		QueueSize: 1000,
	}
}

// Indexer writes messages to OpenSearch from a background worker and serves
// searches against the same index.
type Indexer struct {
	client *opensearch.Client
	cfg    Config
	logger *slog.Logger

	queue chan *models.Message
	done  chan struct{}
	once  sync.Once

	indexed atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewIndexer(cfg Config, logger *slog.Logger) (*Indexer, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Indexer{
		client: client,
		cfg:    cfg,
		logger: logger.With(logging.Component("search")),
		queue:  make(chan *models.Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go idx.run()
	return idx, nil
}

// Initialize verifies connectivity and creates the index when missing.
func (i *Indexer) Initialize(ctx context.Context) error {
	info, err := i.client.Info(i.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	exists, err := i.client.Indices.Exists([]string{i.cfg.Index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
		"mappings": messageMappings(),
	})
	if err != nil {
		return err
	}
	res, err := i.client.Indices.Create(i.cfg.Index,
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
		i.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index: %s - %s", res.Status(), string(b))
	}
	i.logger.InfoContext(ctx, "created search index", slog.String("index", i.cfg.Index))
	return nil
}

func messageMappings() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	date := map[string]any{"type": "date"}
	return map[string]any{
		"properties": map[string]any{
			"id":         keyword,
			"deviceRef":  keyword,
			"deviceId":   keyword,
			"slotIndex":  map[string]any{"type": "integer"},
			"sender":     keyword,
			"receiver":   keyword,
			"port":       keyword,
			"body":       map[string]any{"type": "text"},
			"occurredAt": date,
			"receivedAt": date,
		},
	}
}

// Enqueue schedules msg for indexing without blocking. Messages are dropped
// when the queue is full.
func (i *Indexer) Enqueue(msg *models.Message) error {
	select {
	case i.queue <- msg:
		return nil
	default:
		i.dropped.Add(1)
		return ErrQueueFull
	}
}

func (i *Indexer) run() {
	defer close(i.done)
	for msg := range i.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := i.Index(ctx, msg); err != nil {
			i.failed.Add(1)
			i.logger.Warn("failed to index message",
				logging.MessageID(msg.ID),
				logging.Error(err))
		}
		cancel()
	}
}

// Index writes msg synchronously, keyed by message ID.
func (i *Indexer) Index(ctx context.Context, msg *models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	res, err := i.client.Index(i.cfg.Index, bytes.NewReader(body),
		i.client.Index.WithDocumentID(msg.ID),
		i.client.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index returned %s: %s", res.Status(), strings.TrimSpace(string(b)))
	}
	i.indexed.Add(1)
	return nil
}

// Query selects messages by free text and optional exact filters.
type Query struct {
	Text     string
	DeviceID string
	Receiver string
	Limit    int
	Offset   int
}

type Result struct {
	Total    int               `json:"total"`
	Messages []*models.Message `json:"messages"`
}

func (q Query) body() map[string]any {
	must := []map[string]any{}
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": []string{"body", "sender", "receiver", "port"},
			},
		})
	}
	filter := []map[string]any{}
	if q.DeviceID != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"deviceId": q.DeviceID}})
	}
	if q.Receiver != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"receiver": q.Receiver}})
	}
	if len(must) == 0 {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"must": must, "filter": filter},
		},
		"sort": []map[string]any{{"receivedAt": map[string]any{"order": "desc"}}},
	}
}

func (i *Indexer) Search(ctx context.Context, q Query) (*Result, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(q.body()); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.cfg.Index),
		i.client.Search.WithBody(&buf),
		i.client.Search.WithSize(q.Limit),
		i.client.Search.WithFrom(q.Offset),
		i.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search returned %s: %s", res.Status(), strings.TrimSpace(string(b)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.Message `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := &Result{Total: parsed.Hits.Total.Value, Messages: make([]*models.Message, 0, len(parsed.Hits.Hits))}
	for _, h := range parsed.Hits.Hits {
		msg := h.Source
		out.Messages = append(out.Messages, &msg)
	}
	return out, nil
}

// Stats reports background indexing counters.
func (i *Indexer) Stats() map[string]uint64 {
	return map[string]uint64{
		"indexed": i.indexed.Load(),
		"failed":  i.failed.Load(),
		"dropped": i.dropped.Load(),
		"queued":  uint64(len(i.queue)),
	}
}

// Close drains queued messages until ctx ends.
func (i *Indexer) Close(ctx context.Context) error {
	i.once.Do(func() { close(i.queue) })
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
