package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-orchestrator/internal/dispatch"
	"github.com/example/ride-orchestrator/internal/models"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_consumed_total",
		Help: "Total trip events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_invalid_total",
		Help: "Total undecodable events received",
	})
	notifySent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_sent_total",
		Help: "Total notifications delivered",
	})
	notifyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notification_errors_total",
		Help: "Total notification deliveries that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, notifySent, notifyErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_EVENT_TOPIC")
	if topic == "" {
		topic = "trip-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "trip-notifier"
	}
	notifyURL := os.Getenv("NOTIFICATION_URL")
	if notifyURL == "" {
		notifyURL = "http://localhost:8090"
	}

	notifier := dispatch.NewHTTPNotifier(notifyURL)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("notifier listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down notifier")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		eventsConsumed.Inc()

		var evt models.TripEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil {
			eventsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		for _, userID := range recipients(evt) {
			if err := notifyWithRetry(ctx, notifier, userID, evt, 3, 200*time.Millisecond); err != nil {
				notifyErrors.Inc()
				log.Printf("notify failed user=%s trip=%s type=%s: %v", userID, evt.TripID, evt.Type, err)
				continue
			}
			notifySent.Inc()
		}
	}
}

// recipients picks who should hear about an event. Request-scoped events go
// to the driver side via socket broadcast already, so only parties bound to
// the trip are notified here.
func recipients(evt models.TripEvent) []string {
	ids := make([]string, 0, 2)
	if evt.RiderID != "" {
		ids = append(ids, evt.RiderID)
	}
	if evt.DriverID != "" {
		ids = append(ids, evt.DriverID)
	}
	return ids
}

// notifyWithRetry delivers one notification with bounded exponential backoff.
func notifyWithRetry(ctx context.Context, n dispatch.Notifier, userID string, evt models.TripEvent, attempts int, delay time.Duration) error {
	payload := map[string]any{"trip_id": evt.TripID, "payload": evt.Payload}
	var err error
	for i := 0; i < attempts; i++ {
		if err = n.Notify(ctx, userID, string(evt.Type), payload); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
