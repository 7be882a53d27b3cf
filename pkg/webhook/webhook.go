package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomnomnom/linkheader"
	"go.uber.org/zap"

	"github.com/gcmb/websub-firehose/pkg/config"
	"github.com/gcmb/websub-firehose/pkg/feed"
	"github.com/gcmb/websub-firehose/pkg/queue"
	"github.com/gcmb/websub-firehose/pkg/store"
	"github.com/gcmb/websub-firehose/pkg/subscription"
)

var (
	// ErrInvalidSignature is returned when a delivery's signature does
	// not match the configured topic secret.
	ErrInvalidSignature = errors.New("invalid payload signature")

	// ErrInvalidPayload is returned for deliveries that do not parse as
	// a feed document.
	ErrInvalidPayload = errors.New("invalid payload")
)

// BrokerTopicPrefix namespaces all outbound broker topics.
const BrokerTopicPrefix = "websub/firehose/"

// BrokerTopic derives the broker topic for a feed topic URL: scheme
// stripped, path separators collapsed to dots, namespaced under the
// routing prefix. The mapping is deterministic so downstream consumers
// can subscribe by feed.
func BrokerTopic(topicURL string) string {
	t := topicURL
	i := strings.Index(t, "://")
	if i >= 0 {
		t = t[i+3:]
	}
	t = strings.ReplaceAll(t, "/", ".")
	return BrokerTopicPrefix + t
}

type Config struct {
	ListenAddr   string
	CallbackPath string
}

// Verifier handles the hub's verification handshake.
type Verifier interface {
	HandleVerification(mode, topic, challenge string, leaseSeconds int) (string, error)
}

// Server is the HTTP surface a hub talks to: the verification and
// content-delivery callback plus status and metrics routes.
type Server struct {
	conf     *Config
	verifier Verifier
	topics   *config.Config
	seen     store.SeenStore
	queue    *queue.Queue
	router   *mux.Router

	deliveryMetric *prometheus.CounterVec
}

func NewServer(conf *Config, verifier Verifier, topics *config.Config, seen store.SeenStore, q *queue.Queue) (*Server, error) {
	if conf.CallbackPath == "" {
		conf.CallbackPath = "/webhook"
	}
	s := &Server{
		conf:     conf,
		verifier: verifier,
		topics:   topics,
		seen:     seen,
		queue:    q,
		router:   mux.NewRouter(),
		deliveryMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_firehose_deliveries",
		},
			[]string{
				"result",
			},
		),
	}
	s.router.NewRoute().Name("root").Path("/").Methods(http.MethodGet).HandlerFunc(s.handleRoot)
	s.router.NewRoute().Name("verification").Path(conf.CallbackPath).Methods(http.MethodGet).HandlerFunc(s.handleVerification)
	s.router.NewRoute().Name("content").Path(conf.CallbackPath).Methods(http.MethodPost).HandlerFunc(s.handleContent)
	s.router.NewRoute().Name("status").Path("/status").Methods(http.MethodGet).HandlerFunc(s.handleStatus)
	s.router.NewRoute().Name("metrics").Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	return s, nil
}

// Collectors returns the server's prometheus collectors for registration
// at process wiring time.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.deliveryMetric,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp4", s.conf.ListenAddr)
	if err != nil {
		return err
	}
	go http.Serve(l, s.router)
	zap.L().Info("webhook server listening",
		zap.String("listenAddr", s.conf.ListenAddr),
		zap.String("callbackPath", s.conf.CallbackPath),
	)
	<-ctx.Done()
	return l.Close()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeError sends a generic error body: internal detail stays in the
// logs, never in the response.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: message})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "websub subscriber is running"})
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")
	challenge := q.Get("hub.challenge")
	leaseSeconds := subscription.LeaseSecondsParam(q.Get("hub.lease_seconds"))

	body, err := s.verifier.HandleVerification(mode, topic, challenge, leaseSeconds)
	if err != nil {
		zap.L().Warn("verification rejected",
			zap.String("mode", mode),
			zap.String("topic", topic),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, subscription.ErrUnknownSubscription):
			http.Error(w, "unknown subscription", http.StatusNotFound)
		case errors.Is(err, subscription.ErrInvalidVerification):
			http.Error(w, "invalid verification request", http.StatusBadRequest)
		default:
			http.Error(w, "verification failed", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// topicFromLink extracts the canonical topic from the delivery's Link
// header, the URL of the first rel="self" segment.
func topicFromLink(header string) string {
	for _, link := range linkheader.Parse(header).FilterByRel("self") {
		return link.URL
	}
	return ""
}

// validSignature checks the X-Hub-Signature header against the raw body
// in constant time.
func validSignature(body []byte, header, secret string) bool {
	if !strings.HasPrefix(header, "sha1=") {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := "sha1=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

type contentResponse struct {
	Status  string `json:"status"`
	Type    string `json:"type"`
	Entries int    `json:"entries"`
	New     int    `json:"new"`
}

// handleContent processes a content delivery: topic resolution from the
// Link header, signature verification before any parsing, the status
// ping short-circuit, then dedup and forwarding.
//
// A payload bundling several entries is forwarded once per distinct new
// entry it contains, each forward carrying the whole raw payload. That
// duplication for multi-entry deliveries is deliberate; the dedup
// guarantee is exactly-once per entry id, not per payload.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.deliveryMetric.WithLabelValues("read_error").Inc()
		zap.L().Error("failed to read delivery body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	topic := topicFromLink(r.Header.Get("Link"))
	if topic == "" {
		s.deliveryMetric.WithLabelValues("missing_topic").Inc()
		zap.L().Warn("delivery without self link")
		writeError(w, http.StatusBadRequest, "missing topic link")
		return
	}
	zctx := zap.L().With(
		zap.String("topic", topic),
	)

	secret, ok := s.topics.SecretForTopic(topic)
	if ok && !validSignature(body, r.Header.Get("X-Hub-Signature"), secret) {
		s.deliveryMetric.WithLabelValues("invalid_signature").Inc()
		zctx.Warn("delivery rejected", zap.Error(ErrInvalidSignature))
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	if feed.IsStatusPing(body) {
		s.deliveryMetric.WithLabelValues("status").Inc()
		zctx.Debug("status ping received")
		writeJSON(w, http.StatusOK, contentResponse{Status: "success", Type: "status"})
		return
	}

	entries, err := feed.Parse(body)
	if err != nil {
		s.deliveryMetric.WithLabelValues("invalid_payload").Inc()
		zctx.Warn("delivery rejected", zap.Error(fmt.Errorf("%w: %s", ErrInvalidPayload, err)))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	brokerTopic := BrokerTopic(topic)
	newEntries := 0
	for _, entry := range entries {
		wasNew, err := s.seen.AddIfAbsent(entry.ID)
		if err != nil {
			s.deliveryMetric.WithLabelValues("store_error").Inc()
			zctx.Error("failed to record entry",
				zap.String("entryId", entry.ID),
				zap.Error(err),
			)
			writeError(w, http.StatusBadRequest, "processing failed")
			return
		}
		if !wasNew {
			continue
		}
		newEntries++
		s.queue.Enqueue(brokerTopic, body)
		zctx.Info("new entry forwarded",
			zap.String("entryId", entry.ID),
			zap.String("title", entry.Title),
			zap.String("brokerTopic", brokerTopic),
		)
	}
	s.deliveryMetric.WithLabelValues("content").Inc()
	writeJSON(w, http.StatusOK, contentResponse{
		Status:  "success",
		Type:    "content",
		Entries: len(entries),
		New:     newEntries,
	})
}

type statusResponse struct {
	Queue     queue.Status `json:"queue"`
	SeenPosts int          `json:"seenPosts"`
}

// handleStatus reports queue state and the dedup count. A store failure
// degrades the count to zero instead of failing the endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.seen.Count()
	if err != nil {
		zap.L().Error("failed to count seen posts", zap.Error(err))
		count = 0
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Queue:     s.queue.Status(),
		SeenPosts: count,
	})
}
