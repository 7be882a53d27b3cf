package queue

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Config struct {
	Capacity       int
	TargetRate     float64
	MinRate        float64
	MaxRate        float64
	MinBufferSize  int
	MaxBufferSize  int
	AdjustInterval time.Duration
}

// NewConfig returns the default queue configuration. The rate bounds and
// buffer thresholds are empirical tuning values; treat them as knobs,
// not derived quantities.
func NewConfig() *Config {
	return &Config{
		Capacity:       100000,
		TargetRate:     10,
		MinRate:        0.5,
		MaxRate:        100,
		MinBufferSize:  50,
		MaxBufferSize:  5000,
		AdjustInterval: time.Second * 5,
	}
}

// Message is an outbound broker message. It only exists between Enqueue
// and the publish attempt; nothing is persisted.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher is the broker capability the queue drains into. Connection
// management is the implementation's concern.
type Publisher interface {
	Publish(topic string, payload []byte) (bool, error)
}

// Status is a point-in-time view of the queue for health endpoints.
type Status struct {
	BufferSize     int     `json:"bufferSize"`
	BufferCapacity int     `json:"bufferCapacity"`
	CurrentRate    float64 `json:"currentRate"`
	TargetRate     float64 `json:"targetRate"`
	MinBufferSize  int     `json:"minBufferSize"`
	MaxBufferSize  int     `json:"maxBufferSize"`
}

// Queue is a bounded buffer between the webhook handlers and the broker,
// drained by a single worker at a feedback-controlled rate.
type Queue struct {
	conf       *Config
	publisher  Publisher
	controller *controller
	buffer     chan Message

	bufferMetric    prometheus.Gauge
	rateMetric      prometheus.Gauge
	publishedMetric *prometheus.CounterVec
	droppedMetric   prometheus.Counter
}

func New(conf *Config, publisher Publisher) (*Queue, error) {
	if conf.Capacity <= 0 {
		return nil, errors.New("queue capacity must be positive")
	}
	if conf.TargetRate <= 0 || conf.MinRate <= 0 {
		return nil, errors.New("rates must be positive")
	}
	q := &Queue{
		conf:       conf,
		publisher:  publisher,
		controller: newController(conf),
		buffer:     make(chan Message, conf.Capacity),
		bufferMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websub_firehose_queue_buffer_size",
		}),
		rateMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websub_firehose_publish_rate",
		}),
		publishedMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_firehose_published_messages",
		},
			[]string{
				"success",
			},
		),
		droppedMetric: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "websub_firehose_dropped_messages",
		}),
	}
	q.rateMetric.Set(conf.TargetRate)
	return q, nil
}

// Collectors returns the queue's prometheus collectors for registration
// at process wiring time.
func (q *Queue) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		q.bufferMetric,
		q.rateMetric,
		q.publishedMetric,
		q.droppedMetric,
	}
}

// Enqueue appends a message without ever blocking the caller. When the
// buffer is full the message is dropped with a warning: hubs re-deliver
// on their own schedule and a stalled webhook handler would hold up the
// hub's delivery workers for every topic.
func (q *Queue) Enqueue(topic string, payload []byte) bool {
	select {
	case q.buffer <- Message{Topic: topic, Payload: payload}:
		q.bufferMetric.Set(float64(len(q.buffer)))
		return true
	default:
		q.droppedMetric.Inc()
		zap.L().Warn("publish buffer full, dropping message",
			zap.String("topic", topic),
			zap.Int("capacity", q.conf.Capacity),
		)
		return false
	}
}

func (q *Queue) Status() Status {
	return Status{
		BufferSize:     len(q.buffer),
		BufferCapacity: q.conf.Capacity,
		CurrentRate:    q.controller.rate(),
		TargetRate:     q.conf.TargetRate,
		MinBufferSize:  q.conf.MinBufferSize,
		MaxBufferSize:  q.conf.MaxBufferSize,
	}
}

// Run drains the buffer until the context is cancelled. Individual
// publish failures are logged and skipped; transport recovery is the
// broker client's job.
func (q *Queue) Run(ctx context.Context) error {
	adjust := time.NewTicker(q.conf.AdjustInterval)
	defer adjust.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-adjust.C:
				occupancy := len(q.buffer)
				rate := q.controller.adjust(occupancy)
				q.rateMetric.Set(rate)
				zap.L().Debug("adjusted publish rate",
					zap.Int("bufferSize", occupancy),
					zap.Float64("rate", rate),
				)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-q.buffer:
			q.bufferMetric.Set(float64(len(q.buffer)))
			ok, err := q.publisher.Publish(msg.Topic, msg.Payload)
			if err != nil || !ok {
				q.publishedMetric.WithLabelValues("false").Inc()
				zap.L().Error("failed to publish message",
					zap.String("topic", msg.Topic),
					zap.Error(err),
				)
			} else {
				q.publishedMetric.WithLabelValues("true").Inc()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.controller.spacing()):
			}
		}
	}
}
