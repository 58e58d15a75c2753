package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tradebot/internal/retry"
)

var (
	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebot",
		Subsystem: "notify",
		Name:      "publish_total",
		Help:      "Notifications published by kind.",
	}, []string{"kind"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebot",
		Subsystem: "notify",
		Name:      "publish_errors_total",
		Help:      "Notifications dropped after failed publishing, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(publishTotal, publishErrors)
}

// Publisher is the slice of a redis client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes notifications as JSON on a redis channel.
// Notify enqueues and returns; a single worker publishes in order.
type RedisNotifier struct {
	client Publisher
	topic  string
	logger *slog.Logger
	queue  chan Notification
	done   chan struct{}
	once   sync.Once
}

// NewRedisNotifier starts the publishing worker. Call Close to drain it.
func NewRedisNotifier(client Publisher, topic string, logger *slog.Logger) *RedisNotifier {
	r := &RedisNotifier{
		client: client,
		topic:  topic,
		logger: logger,
		queue:  make(chan Notification, 1024),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) {
	select {
	case r.queue <- n:
	default:
		publishErrors.WithLabelValues(string(n.Kind)).Inc()
		r.logger.Warn("notification queue full, dropping", "kind", n.Kind, "user_id", n.UserID)
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (r *RedisNotifier) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
}

func (r *RedisNotifier) run() {
	defer close(r.done)
	for n := range r.queue {
		r.publish(n)
	}
}

func (r *RedisNotifier) publish(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		r.logger.Error("notification marshal failed", "kind", n.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	publishTotal.WithLabelValues(string(n.Kind)).Inc()
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return r.client.Publish(ctx, r.topic, payload).Err()
	})
	if err != nil {
		publishErrors.WithLabelValues(string(n.Kind)).Inc()
		r.logger.Warn("notification publish failed", "kind", n.Kind, "user_id", n.UserID, "error", err)
	}
}
