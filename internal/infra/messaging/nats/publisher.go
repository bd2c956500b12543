// Package nats publishes error events to NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/vietddude/edgeinfer/internal/inference/metrics"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
)

// DefaultSubjectPrefix is the subject root for error events.
const DefaultSubjectPrefix = "edgeinfer.errors"

// ErrRateLimited is returned when an event is dropped by the publish limiter.
var ErrRateLimited = errors.New("error event rate limit exceeded")

// Config holds NATS connection configuration.
type Config struct {
	URL           string  `yaml:"url"`
	SubjectPrefix string  `yaml:"subject_prefix"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// Publisher implements recovery.Sink for NATS JetStream. Error storms are
// throttled by a token bucket so a failing device cannot flood the broker.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	prefix  string
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewPublisher connects to NATS and returns a publisher.
func NewPublisher(cfg Config, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "nats")

	// Connect to NATS with retry
	nc, err := nats.Connect(cfg.URL,
		nats.Name("edgeinfer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	log.Info("Connected to NATS", "url", cfg.URL)
	p := newPublisher(js, cfg, log)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, cfg Config, log *slog.Logger) *Publisher {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Publisher{
		js:      js,
		prefix:  prefix,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject a record is published on:
// <prefix>.<category>.<severity>.
func (p *Publisher) Subject(rec recovery.Record) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, token(string(rec.Category)), token(string(rec.Severity)))
}

// Publish sends rec asynchronously. Events over the rate limit are dropped.
func (p *Publisher) Publish(ctx context.Context, rec recovery.Record) error {
	if !p.limiter.Allow() {
		metrics.NATSPublishDropped.Inc()
		return ErrRateLimited
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(rec)
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(rec.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.Debug("Event published", "subject", subject, "size", len(data))
	return nil
}

// Flush waits for outstanding async publishes or until ctx is done.
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.log.Info("Closing NATS connection")
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
