package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"foresta.dev/guardian/pkg/metrics"
	"foresta.dev/guardian/pkg/mq"
)

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 30 * time.Second
)

// Publisher fans alert events out to a RabbitMQ queue from a background worker.
// Notify only enqueues; a full buffer drops the event.
type Publisher struct {
	logger         *slog.Logger
	client         mq.Publisher
	metrics        *metrics.GatewayMetrics
	events         chan Event
	done           chan struct{}
	wg             sync.WaitGroup
	stopOnce       sync.Once
	publishTimeout time.Duration
}

// PublisherConfig holds the configuration for the Publisher.
type PublisherConfig struct {
	Logger         *slog.Logger
	Client         mq.Publisher
	Metrics        *metrics.GatewayMetrics // Optional
	BufferSize     int
	PublishTimeout time.Duration
}

// NewPublisher creates a new Publisher instance.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("publisher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &Publisher{
		logger:         cfg.Logger,
		client:         cfg.Client,
		metrics:        cfg.Metrics,
		events:         make(chan Event, bufferSize),
		done:           make(chan struct{}),
		publishTimeout: timeout,
	}, nil
}

// Start launches the publishing worker.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Notify implements Notifier.
func (p *Publisher) Notify(_ context.Context, e Event) {
	select {
	case <-p.done:
		p.logger.Warn("publisher stopped, dropping notification", "event", e.Kind, "alert_id", e.Alert.ID)
		p.count(e.Kind, "dropped")
	case p.events <- e:
	default:
		p.logger.Error("notification buffer full, dropping event", "event", e.Kind, "alert_id", e.Alert.ID)
		p.count(e.Kind, "dropped")
	}
}

// Stop stops accepting events, publishes what is already buffered, waits for the
// worker and closes the queue client.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		if err := p.client.Close(); err != nil {
			p.logger.Debug("notification client close", "error", err)
		}
	})
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case e := <-p.events:
			p.publish(ctx, e)
		case <-ctx.Done():
			return
		case <-p.done:
			for {
				select {
				case e := <-p.events:
					p.publish(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode notification", "event", e.Kind, "error", err)
		p.count(e.Kind, "error")
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
	defer cancel()

	if err := p.client.Push(pushCtx, body); err != nil {
		p.logger.Error("failed to publish notification",
			"event", e.Kind,
			"alert_id", e.Alert.ID,
			"error", err,
		)
		p.count(e.Kind, "error")
		return
	}

	p.logger.Debug("notification published", "event", e.Kind, "alert_id", e.Alert.ID)
	p.count(e.Kind, "success")
}

func (p *Publisher) count(kind EventKind, status string) {
	if p.metrics != nil {
		p.metrics.NotificationsTotal.WithLabelValues(string(kind), status).Inc()
	}
}
