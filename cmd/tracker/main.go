// The tracker consumer drains the location firehose and maintains a
// per-driver last-known-position mirror in Redis for the dashboard and
// reporting paths that live outside the realtime engine.
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
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/CoreVine/Tride-backend-sub000/internal/geo"
	"github.com/CoreVine/Tride-backend-sub000/internal/ingest"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_messages_consumed_total",
		Help: "Total location events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_messages_invalid_total",
		Help: "Total invalid events received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_redis_updates_total",
		Help: "Total successful redis mirror updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_redis_errors_total",
		Help: "Total redis errors",
	})
	metersDriven = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_meters_driven_total",
		Help: "Total meters covered across all drivers, from consecutive samples",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, metersDriven)
}

// Steps above this are treated as GPS glitches or cold starts.
const maxOdometerStepMeters = 2000

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{"localhost:9092"}
	if brokersEnv != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "ride-location-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "location-tracker"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("tracker listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	odometer := geo.NewOdometer(maxOdometerStepMeters)
	fleet := geo.NewFleetIndex(rc, "drivers:fleet")

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down tracker")
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

		msgsConsumed.Inc()

		var evt ingest.SampleEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil || evt.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		metersDriven.Add(odometer.Advance(evt.DriverID, evt.Lat, evt.Lng))

		if err := fleet.Upsert(ctx, evt.DriverID, evt.Lat, evt.Lng); err != nil {
			redisErrors.Inc()
			log.Printf("fleet index update failed for driver=%s: %v", evt.DriverID, err)
		}

		if err := mirrorWithRetry(ctx, radapter, &evt, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis mirror failed for driver=%s: %v", evt.DriverID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

// Mirror defines the small subset of redis operations we need for tests
// and production.
type Mirror interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func lastLocKey(driverID string) string { return "driver:lastloc:" + driverID }

// mirrorWithRetry writes the driver's latest position with retry/backoff.
func mirrorWithRetry(ctx context.Context, mc Mirror, evt *ingest.SampleEvent, attempts int, delay time.Duration) error {
	fields := map[string]interface{}{
		"room_id": evt.RoomID,
		"lat":     evt.Lat,
		"lng":     evt.Lng,
		"ts":      evt.TS,
	}
	for i := 0; i < attempts; i++ {
		if err := mc.HSet(ctx, lastLocKey(evt.DriverID), fields); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
