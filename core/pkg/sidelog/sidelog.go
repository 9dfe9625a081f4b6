// Package sidelog ships failure traces to three sinks: a local file logger,
// a central log topic on the stream broker, and a structured search index.
// It sits entirely off the hot success path and never propagates errors: a
// sink failure must not mask the failure being reported.
package sidelog

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
)

// TypeName is the wire type under which failure records travel on the
// central log topic.
const TypeName = "MessageFailure"

// Failure is one failure trace.
type Failure struct {
	Service    string    `json:"service"`
	Component  string    `json:"component"`
	TypeName   string    `json:"typeName"`
	MessageID  string    `json:"messageId"`
	RetryCount int       `json:"countOfRetry"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Indexer writes failure documents into a structured search index.
type Indexer interface {
	Index(ctx context.Context, doc any) error
}

// Channel fans a failure out to the configured sinks.
type Channel struct {
	service string
	file    contracts.Logger
	stream  contracts.StreamPublisher
	topic   string
	index   Indexer
}

// Option configures the Channel.
type Option func(*Channel)

// WithFile adds a local file sink.
func WithFile(l contracts.Logger) Option {
	return func(c *Channel) { c.file = l }
}

// WithStream adds the central log topic sink.
func WithStream(pub contracts.StreamPublisher, topic string) Option {
	return func(c *Channel) {
		c.stream = pub
		c.topic = topic
	}
}

// WithIndexer adds the search index sink.
func WithIndexer(ix Indexer) Option {
	return func(c *Channel) { c.index = ix }
}

// New creates a Channel. Sinks that are not configured are skipped.
func New(service string, opts ...Option) *Channel {
	c := &Channel{service: service}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Failure emits one failure trace to every configured sink. It never panics
// and never returns an error.
func (c *Channel) Failure(ctx context.Context, f Failure) {
	defer func() { _ = recover() }()

	if f.Service == "" {
		f.Service = c.service
	}
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}

	if c.file != nil {
		c.file.Error("message processing failed",
			"component", f.Component,
			"type", f.TypeName,
			"messageId", f.MessageID,
			"countOfRetry", f.RetryCount,
			"reason", f.Reason,
		)
	}

	if c.stream != nil {
		if body, err := codec.Encode(f); err == nil {
			headers := map[string]string{
				contracts.HeaderGroupID:      "",
				contracts.HeaderCountOfRetry: "0",
			}
			_ = c.stream.Publish(ctx, c.topic, TypeName, body, headers)
		}
	}

	if c.index != nil {
		_ = c.index.Index(ctx, f)
	}
}

// HTTPIndexer posts failure documents as JSON to a search index endpoint.
type HTTPIndexer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPIndexer creates an indexer for the given endpoint.
func NewHTTPIndexer(endpoint string) *HTTPIndexer {
	return &HTTPIndexer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Index implements Indexer.
func (ix *HTTPIndexer) Index(ctx context.Context, doc any) error {
	body, err := codec.Encode(doc)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ix.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ix.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

var _ Indexer = (*HTTPIndexer)(nil)
