package kafka

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// RecordHandler processes one staged record
type RecordHandler func(ctx context.Context, record *models.StagedRecord) error

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Consumer reads staged records from the source parsers and hands them to the
// ingest pipeline one at a time
type Consumer struct {
	reader  *kafka.Reader
	logger  ectologger.Logger
	handler RecordHandler
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler RecordHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:  reader,
		logger:  logger,
		handler: handler,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.reader.Config().Topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Info("Consumer loop stopping")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if err == context.Canceled || err == io.EOF {
					return
				}
				c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var record models.StagedRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		// Malformed payloads never become parseable; commit so the partition
		// does not stall
		log.WithError(err).Error("Failed to parse staged record")
		c.commit(ctx, msg, log)
		return
	}

	if err := c.handler(ctx, &record); err != nil {
		if isPermanent(err) {
			// A bad record stays bad on retry; commit and move on so one
			// record never blocks the rest of the batch
			log.WithError(err).WithFields(map[string]any{
				"source_system":    record.SourceSystem,
				"source_record_id": record.SourceRecordID,
			}).Error("Staged record rejected")
			c.commit(ctx, msg, log)
			return
		}
		// Infrastructure failure: do not commit so the record is redelivered
		log.WithError(err).Error("Failed to process staged record (not committing)")
		return
	}

	c.commit(ctx, msg, log)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message, log ectologger.Logger) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// isPermanent reports whether retrying the record could ever succeed. Client
// errors (validation failures, malformed sections) are permanent; everything
// else is assumed transient.
func isPermanent(err error) bool {
	if !httperror.IsHTTPError(err) {
		return false
	}
	code := httperror.GetStatusCode(err)
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
