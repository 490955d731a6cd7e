package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/safsdb/safs/peersync"
	"github.com/safsdb/safs/telemetry"
	"github.com/segmentio/kafka-go"
)

// headerTo names the site a Kafka message is addressed to
const headerTo = "safs-to"

// Kafka ships batches through a topic. Send returns once every in-sync
// replica of the broker holds the batch; the broker then stands in for the
// peer until it consumes the message.
type Kafka struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
}

// NewKafka creates a Kafka transport for topic
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // Same peer, same partition, in order
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{writer: writer, brokers: brokers, topic: topic}, nil
}

func kafkaMessage(peer string, data []byte) kafka.Message {
	return kafka.Message{
		Key:     []byte(peer),
		Value:   data,
		Headers: []kafka.Header{{Key: headerTo, Value: []byte(peer)}},
	}
}

func addressedTo(msg kafka.Message, site string) bool {
	for _, h := range msg.Headers {
		if h.Key == headerTo {
			return string(h.Value) == site
		}
	}
	return false
}

// Send implements peersync.Sender
func (k *Kafka) Send(ctx context.Context, peer string, b peersync.Batch) error {
	data, err := Encode(b)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafkaMessage(peer, data)); err != nil {
		return fmt.Errorf("failed to write batch for %s: %w", peer, err)
	}
	telemetry.TransportBatchesTotal.With("kafka", "sent").Inc()
	return nil
}

// Consume reads batches addressed to site until ctx is done. Offsets are
// committed only after a batch was applied; a failing batch is retried.
func (k *Kafka) Consume(ctx context.Context, site, groupID string, recv peersync.Receiver) error {
	if groupID == "" {
		groupID = "safs-" + site
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   k.topic,
		GroupID: groupID,
	})
	defer reader.Close()

	log.Info().Str("topic", k.topic).Str("group", groupID).Msg("Consuming sync batches from Kafka")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if addressedTo(msg, site) {
			if err := k.apply(ctx, msg, recv); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

func (k *Kafka) apply(ctx context.Context, msg kafka.Message, recv peersync.Receiver) error {
	batch, err := Decode(msg.Value)
	if err != nil {
		// A corrupt frame never becomes valid; skip it
		log.Error().Err(err).Int64("offset", msg.Offset).Msg("Dropping undecodable sync batch")
		return nil
	}

	backoff := 100 * time.Millisecond
	for {
		err := recv.ReceiveSyncPayload(ctx, batch.From, batch)
		if err == nil {
			telemetry.TransportBatchesTotal.With("kafka", "received").Inc()
			return nil
		}
		log.Warn().Err(err).Str("peer", batch.From).Dur("retry_in", backoff).Msg("Failed to apply sync batch")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// Close flushes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
