package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pdpj/materializer/pkg/common/logger"
)

// Producer enqueues job tickets for the Document Worker pool to consume.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(addrs []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

// Enqueue publishes a ticket for jobID. The scheduler calls this exactly
// once per admitted job, after the job row has committed.
func (p *Producer) Enqueue(ctx context.Context, jobID string) error {
	ticket := Ticket{JobID: jobID}
	value, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshaling ticket: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(jobID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to enqueue ticket")
		return fmt.Errorf("enqueuing ticket: %w", err)
	}

	logger.Log.WithField("job_id", jobID).Info("ticket enqueued")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
