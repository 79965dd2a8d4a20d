package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
	"foresta.dev/guardian/pkg/mq"
)

// DefaultCommandQueue is the queue operator tooling publishes commands to.
const DefaultCommandQueue = "guardian-operator-commands"

// CommandName identifies an operator command.
type CommandName string

const (
	CommandApprove      CommandName = "approve"
	CommandRevoke       CommandName = "revoke"
	CommandRotate       CommandName = "rotate"
	CommandDecommission CommandName = "decommission"
	CommandTroubleshoot CommandName = "troubleshoot"
	CommandActivate     CommandName = "activate"
	CommandAcknowledge  CommandName = "acknowledge"
	CommandResolve      CommandName = "resolve"
	CommandReopen       CommandName = "reopen"
)

// Command is an operator action delivered over RabbitMQ.
type Command struct {
	Command  CommandName `json:"command"`
	Device   string      `json:"device,omitempty"`
	CodeName string      `json:"code_name,omitempty"`
	AreaID   string      `json:"area_id,omitempty"`
	AlertID  string      `json:"alert_id,omitempty"`
	By       string      `json:"by,omitempty"`
	Notes    string      `json:"notes,omitempty"`
}

var errMalformedCommand = errors.New("malformed command")

// CommandConsumer applies operator commands from RabbitMQ.
type CommandConsumer struct {
	logger    *slog.Logger
	registrar *Registrar
	store     *store.Store
	notifier  notify.Notifier
	metrics   *metrics.GatewayMetrics
	mqMetrics *metrics.MQMetrics
	queue     string
	mqClient  mq.Consumer
	done      chan struct{}
	doneOnce  sync.Once
	started   atomic.Bool
	now       func() time.Time
}

// CommandConsumerConfig holds the configuration for the CommandConsumer.
type CommandConsumerConfig struct {
	Logger    *slog.Logger
	Registrar *Registrar
	Store     *store.Store
	Client    mq.Consumer
	Notifier  notify.Notifier         // Optional
	Metrics   *metrics.GatewayMetrics // Optional
	MQMetrics *metrics.MQMetrics      // Optional
	Queue     string                  // Queue label for MQMetrics
}

// NewCommandConsumer creates a new CommandConsumer instance.
func NewCommandConsumer(cfg *CommandConsumerConfig) (*CommandConsumer, error) {
	if cfg == nil {
		return nil, errors.New("command consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Registrar == nil {
		return nil, errors.New("registrar cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}

	return &CommandConsumer{
		logger:    cfg.Logger.With("component", "commands"),
		registrar: cfg.Registrar,
		store:     cfg.Store,
		notifier:  notifier,
		metrics:   cfg.Metrics,
		mqMetrics: cfg.MQMetrics,
		queue:     cfg.Queue,
		mqClient:  cfg.Client,
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start begins consuming commands. It waits for the queue to become ready.
func (c *CommandConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting command consumer")

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.mqClient.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("command queue not ready: %w", err)
	}

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("command consumer started, waiting for commands")

	c.started.Store(true)
	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *CommandConsumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping command processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery applies one command. Malformed or inapplicable commands are acked
// and dropped; storage failures are requeued.
func (c *CommandConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.mqMetrics != nil {
		timer := prometheus.NewTimer(c.mqMetrics.ConsumeDuration.WithLabelValues(c.queue))
		defer timer.ObserveDuration()
		c.mqMetrics.MessagesConsumed.WithLabelValues(c.queue).Inc()
	}

	var cmd Command
	err := json.Unmarshal(delivery.Body, &cmd)
	if err != nil {
		err = fmt.Errorf("%w: %w", errMalformedCommand, err)
	} else {
		err = c.Apply(ctx, cmd)
	}

	switch {
	case err == nil:
		c.count(cmd.Command, "success")
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack command", "error", ackErr)
		}

	case permanent(err):
		c.logger.Warn("dropping command", "command", cmd.Command, "device", cmd.Device, "alert_id", cmd.AlertID, "error", err)
		c.count(cmd.Command, "rejected")
		c.consumeFailed("rejected")
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack command", "error", ackErr)
		}

	default:
		c.logger.Error("failed to apply command", "command", cmd.Command, "error", err)
		c.count(cmd.Command, "error")
		c.consumeFailed("requeued")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack command", "error", nackErr)
		}
	}
}

// Apply executes a single command.
func (c *CommandConsumer) Apply(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case CommandApprove, CommandRevoke, CommandRotate, CommandDecommission, CommandTroubleshoot, CommandActivate:
		if cmd.Device == "" {
			return fmt.Errorf("%w: %s requires a device", errMalformedCommand, cmd.Command)
		}
	case CommandAcknowledge, CommandResolve, CommandReopen:
		if cmd.AlertID == "" {
			return fmt.Errorf("%w: %s requires an alert_id", errMalformedCommand, cmd.Command)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errMalformedCommand, cmd.Command)
	}

	var err error
	switch cmd.Command {
	case CommandApprove:
		_, err = c.registrar.Approve(ctx, cmd.Device, cmd.CodeName, cmd.AreaID)
	case CommandRevoke:
		_, err = c.registrar.Revoke(ctx, cmd.Device)
	case CommandRotate:
		_, err = c.registrar.RotateCredential(ctx, cmd.Device)
	case CommandDecommission:
		_, err = c.registrar.Decommission(ctx, cmd.Device)
	case CommandTroubleshoot:
		_, err = c.registrar.SetTroubleshooting(ctx, cmd.Device, true)
	case CommandActivate:
		_, err = c.registrar.SetTroubleshooting(ctx, cmd.Device, false)
	case CommandAcknowledge:
		err = c.transition(ctx, notify.AlertAcknowledged, func() (*store.Alert, error) {
			return c.store.Acknowledge(ctx, cmd.AlertID, cmd.By)
		})
	case CommandResolve:
		err = c.transition(ctx, notify.AlertResolved, func() (*store.Alert, error) {
			return c.store.Resolve(ctx, cmd.AlertID, cmd.By, cmd.Notes)
		})
	case CommandReopen:
		err = c.transition(ctx, notify.AlertReopened, func() (*store.Alert, error) {
			return c.store.Reopen(ctx, cmd.AlertID)
		})
	}
	if err != nil {
		return err
	}

	c.logger.Info("command applied", "command", cmd.Command, "device", cmd.Device, "alert_id", cmd.AlertID)
	return nil
}

func (c *CommandConsumer) transition(ctx context.Context, kind notify.EventKind, fn func() (*store.Alert, error)) error {
	a, err := fn()
	if err != nil {
		return err
	}

	device, err := c.store.Device(ctx, a.DeviceID)
	if err != nil {
		c.logger.Warn("alert device not found", "alert_id", a.PublicID, "error", err)
	}

	c.notifier.Notify(ctx, notify.NewAlertEvent(kind, a, device, c.now()))
	return nil
}

// Stop closes the queue client and waits for processing to finish.
func (c *CommandConsumer) Stop() error {
	c.logger.Info("stopping command consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	if c.started.Load() {
		<-c.done
	}

	c.logger.Info("command consumer stopped")
	return nil
}

func (c *CommandConsumer) count(cmd CommandName, status string) {
	if c.metrics != nil {
		c.metrics.CommandsTotal.WithLabelValues(string(cmd), status).Inc()
	}
}

func (c *CommandConsumer) consumeFailed(reason string) {
	if c.mqMetrics != nil {
		c.mqMetrics.ConsumptionFailures.WithLabelValues(c.queue, reason).Inc()
	}
}

func permanent(err error) bool {
	return errors.Is(err, errMalformedCommand) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrDeviceDecommissioned) ||
		errors.Is(err, protocol.ErrBadPayload)
}
