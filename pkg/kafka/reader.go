package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
)

// ImportReader pulls raw messages with explicit, caller-controlled commits.
// The import pipeline decides per batch whether the read position advances.
type ImportReader struct {
	reader *kafka.Reader
	logger ectologger.Logger
}

// ReaderConfig holds Kafka reader configuration
type ReaderConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewImportReader creates a pull reader. Commits are synchronous; nothing is
// committed until Commit is called.
func NewImportReader(cfg ReaderConfig, logger ectologger.Logger) *ImportReader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})

	return &ImportReader{
		reader: reader,
		logger: logger,
	}
}

// Fetch pulls the next message, waiting at most timeout. A nil message with a
// nil error means the poll window elapsed with nothing available.
func (r *ImportReader) Fetch(ctx context.Context, timeout time.Duration) (*kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := r.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// Commit advances the consumer group position past the given messages
func (r *ImportReader) Commit(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := r.reader.CommitMessages(ctx, msgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to commit messages")
		return err
	}
	return nil
}

// Close closes the reader
func (r *ImportReader) Close() error {
	return r.reader.Close()
}

// Health reports whether the reader is usable
func (r *ImportReader) Health() bool {
	return r.reader != nil
}
