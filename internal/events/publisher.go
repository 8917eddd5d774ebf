package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
)

// Publisher fans out trip lifecycle events to the notification pipeline.
// Publish never blocks and never fails the caller: events that cannot be
// delivered are logged and dropped.
type Publisher interface {
	Publish(evt models.TripEvent)
}

// messageWriter is the subset of kafka.Writer the publisher needs; tests
// substitute a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by trip id, so a
// trip's events land on one partition and arrive in order. A single sender
// goroutine drains a bounded buffer; a full buffer drops the event.
type KafkaPublisher struct {
	writer messageWriter
	ch     chan models.TripEvent
	done   chan struct{}
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return newKafkaPublisher(w, 256, logger)
}

func newKafkaPublisher(w messageWriter, buffer int, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		writer: w,
		ch:     make(chan models.TripEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) Publish(evt models.TripEvent) {
	observability.EventsPublished.Inc()
	select {
	case p.ch <- evt:
	default:
		observability.EventsDropped.Inc()
		p.logger.Warn("event buffer full, dropping", "trip_id", evt.TripID, "type", evt.Type)
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for evt := range p.ch {
		b, err := json.Marshal(evt)
		if err != nil {
			observability.EventsDropped.Inc()
			p.logger.Error("marshal event", "trip_id", evt.TripID, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.TripID), Value: b})
		cancel()
		if err != nil {
			observability.EventsDropped.Inc()
			p.logger.Warn("event delivery failed, dropping", "trip_id", evt.TripID, "type", evt.Type, "error", err)
		}
	}
}

// Close drains the buffer and closes the writer.
func (p *KafkaPublisher) Close() error {
	close(p.ch)
	<-p.done
	return p.writer.Close()
}

// LogPublisher is the fallback sink when Kafka is not configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) Publish(evt models.TripEvent) {
	observability.EventsPublished.Inc()
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("trip event", "trip_id", evt.TripID, "type", evt.Type, "rider_id", evt.RiderID, "driver_id", evt.DriverID)
}
