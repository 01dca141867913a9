package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateRecurringSendSchedule creates a new Temporal schedule that sends a fixed payment every
// interval.
func (c *Client) CreateRecurringSendSchedule(ctx context.Context, send RecurringSend) error {
	if send.ID == "" {
		return fmt.Errorf("recurring send id is required")
	}
	if send.Interval < time.Minute {
		return fmt.Errorf("recurring send interval must be at least 1m, got %v", send.Interval)
	}
	id := recurringScheduleID(send.ID)

	c.logger.Debug("creating recurring send schedule",
		"schedule_id", id,
		"destination", send.Destination,
		"amount", send.Amount.String(),
		"interval", send.Interval,
	)

	workflowAction := client.ScheduleWorkflowAction{
		ID:        recurringActionID(send.ID),
		Workflow:  RecurringSendWorkflow,
		TaskQueue: c.taskQueue,
		Args: []interface{}{RecurringSendInput{
			ScheduleID:  send.ID,
			Destination: send.Destination,
			Amount:      send.Amount,
			Memo:        send.Memo,
			FeePreset:   send.FeePreset,
		}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: send.Interval}},
		},
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"destination": send.Destination,
			"amount":      send.Amount.String(),
			"fee_preset":  string(send.FeePreset),
			"created_by":  "payflow",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("recurring send schedule created",
		"schedule_id", id,
		"destination", send.Destination,
		"amount", send.Amount.String(),
		"interval", send.Interval,
	)
	return nil
}

// DeleteRecurringSendSchedule deletes the Temporal schedule for a recurring send. Entries
// already enqueued by earlier firings are left in the outbox.
func (c *Client) DeleteRecurringSendSchedule(ctx context.Context, id string) error {
	sid := recurringScheduleID(id)

	handle := c.client.ScheduleClient().GetHandle(ctx, sid)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", sid,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", sid, err)
	}

	c.logger.Info("recurring send schedule deleted", "schedule_id", sid)
	return nil
}

// EnsureSweepSchedule creates the outbox sweep schedule or, if it already exists, updates its
// interval.
func (c *Client) EnsureSweepSchedule(ctx context.Context, interval time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("sweep schedule not found, creating new one", "error", err)

		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: SweepScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: &client.ScheduleWorkflowAction{
				ID:        "payflow-outbox-sweep-wf",
				Workflow:  OutboxSweepWorkflow,
				TaskQueue: c.taskQueue,
			},
			// A slow sweep must not pile up runs behind it.
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		})
		if err != nil {
			return fmt.Errorf("failed to create schedule %q: %w", SweepScheduleID, err)
		}
		c.logger.Info("sweep schedule created", "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule updated", "interval", interval)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
