package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const headerTaskType = "task-type"

// KafkaDispatcher publishes dispatch messages keyed by job ID.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (d *KafkaDispatcher) Enqueue(ctx context.Context, payload ProcessImagePayload) error {
	body, err := payload.Marshal()
	if err != nil {
		return err
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(payload.JobID, 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: headerTaskType, Value: []byte(TypeProcessImage)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish job %d: %w", payload.JobID, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

type HandlerFunc func(ctx context.Context, payload ProcessImagePayload) error

type KafkaConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer runs Concurrency group members, each with its own reader, so
// partitions are spread across them. An offset is committed only after the
// handler returned, which gives at-least-once delivery.
type KafkaConsumer struct {
	topic       string
	newReader   func() messageReader
	concurrency int
	logger      zerolog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, logger zerolog.Logger) *KafkaConsumer {
	readerCfg := kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &KafkaConsumer{
		topic:       cfg.Topic,
		newReader:   func() messageReader { return kafka.NewReader(readerCfg) },
		concurrency: max(1, cfg.Concurrency),
		logger:      logger,
		maxAttempts: max(1, cfg.MaxAttempts),
		retryDelay:  retryDelay,
	}
}

// Run blocks until ctx is cancelled and every member has stopped.
func (c *KafkaConsumer) Run(ctx context.Context, handle HandlerFunc) error {
	c.logger.Info().Str("topic", c.topic).Int("members", c.concurrency).Msg("starting kafka consumer")

	var wg sync.WaitGroup
	for member := range c.concurrency {
		reader := c.newReader()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if err := reader.Close(); err != nil {
					c.logger.Error().Err(err).Int("member", member).Msg("close kafka reader")
				}
			}()
			c.consume(ctx, reader, handle, c.logger.With().Int("member", member).Logger())
		}()
	}
	wg.Wait()
	return nil
}

func (c *KafkaConsumer) consume(ctx context.Context, reader messageReader, handle HandlerFunc, logger zerolog.Logger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("fetch message failed")
			if !sleepContext(ctx, c.retryDelay) {
				return
			}
			continue
		}

		payload, err := UnmarshalProcessImagePayload(msg.Value)
		if err != nil {
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed message")
		} else if err := c.handleWithRetry(ctx, payload, handle); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Int64("job_id", payload.JobID).Msg("giving up on message")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit message failed")
		}
	}
}

func (c *KafkaConsumer) handleWithRetry(ctx context.Context, payload ProcessImagePayload, handle HandlerFunc) error {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = handle(ctx, payload)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn().Err(lastErr).Int64("job_id", payload.JobID).Int("attempt", attempt).Msg("handler failed")
		if attempt == c.maxAttempts {
			break
		}
		if !sleepContext(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", c.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
