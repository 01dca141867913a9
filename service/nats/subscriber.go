package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Tail delivers events from the stream to handle until ctx is done. filter is a subject filter
// relative to the stream, e.g. "outbox.>"; empty means every event. When deliverAll is false only
// new events are delivered.
func Tail(ctx context.Context, natsURL, filter string, deliverAll bool, logger *slog.Logger, handle func(*EventMessage) error) error {
	nc, err := Connect(natsURL, "payflow-tail")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := StreamSubjects
	if filter != "" {
		subject = SubjectPrefix + filter
	}
	policy := jetstream.DeliverNewPolicy
	if deliverAll {
		policy = jetstream.DeliverAllPolicy
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  policy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	errCh := make(chan error, 1)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event EventMessage
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("skipping malformed event", "subject", msg.Subject(), "error", err)
			return
		}
		if event.Kind == "" {
			event.Kind = KindFromSubject(msg.Subject())
		}
		if err := handle(&event); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
