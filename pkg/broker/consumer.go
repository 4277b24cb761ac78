package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/pdpj/materializer/pkg/common/logger"
)

// Handler processes one dequeued ticket. The commit only advances past the
// ticket when Handler returns nil; a returned error leaves the ticket for
// redelivery, which is why every Handler must be safe to run more than once
// for the same job id.
type Handler func(ctx context.Context, ticket Ticket) error

// Consumer pulls tickets off the work queue and commits manually, only after
// the handler has finished successfully.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(addrs []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     addrs,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{reader: reader}
}

// Run blocks, dispatching tickets to handle until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Log.WithError(err).Error("failed to fetch ticket")
			return fmt.Errorf("fetching ticket: %w", err)
		}

		var ticket Ticket
		if err := json.Unmarshal(message.Value, &ticket); err != nil {
			logger.Log.WithError(err).Error("malformed ticket, committing to drop it")
			if commitErr := c.reader.CommitMessages(ctx, message); commitErr != nil {
				logger.Log.WithError(commitErr).Error("failed to commit malformed ticket")
			}
			continue
		}

		log := logger.Log.WithField("job_id", ticket.JobID)

		if err := handle(ctx, ticket); err != nil {
			log.WithError(err).Warn("ticket handler failed, leaving for redelivery")
			continue
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			log.WithError(err).Error("failed to commit ticket after successful handling")
			continue
		}

		log.Debug("ticket handled and committed")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
