// Package intake is the Webhook Intake of spec.md §4.1 (C1): it
// verifies the platform's HMAC-signed delivery, deduplicates on
// delivery_id, and translates "job requested" events into a Job
// handed to the Router. Its plain net/http.ServeMux style is grounded
// on pkg/api/health.go's HTTP server shape.
package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/router"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	headerEventType = "X-Runner-Event"
	headerSignature = "X-Runner-Signature-256"

	eventJobRequested = "job_requested"
)

// Store is the dedup surface C1 reads and writes.
type Store interface {
	SeenDelivery(deliveryID string) (*types.IntakeDedupEntry, error)
	RecordDelivery(entry *types.IntakeDedupEntry) error
}

// Router classifies a Received Job into a queue/profile decision.
type Router interface {
	Route(job *types.Job) router.Decision
}

// Enqueuer submits a newly constructed Job to durable storage and the
// Queue Engine.
type Enqueuer interface {
	Submit(job *types.Job) error
	Enqueue(job *types.Job) error
}

// payload is the platform webhook body, per spec.md §6.
type payload struct {
	EventKind      string   `json:"event_kind"`
	DeliveryID     string   `json:"delivery_id"`
	Action         string   `json:"action"`
	Repository     string   `json:"repository_full_name"`
	WorkflowRunID  string   `json:"workflow_run_id"`
	JobID          string   `json:"job_id"`
	Labels         []string `json:"labels"`
	InstallationID string   `json:"installation_id"`
}

// Handler serves the inbound webhook endpoint.
type Handler struct {
	secret   []byte
	dedupTTL time.Duration
	store    Store
	router   Router
	enqueuer Enqueuer
	broker   *events.Broker
	logger   zerolog.Logger
}

var (
	receivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerd_intake_received_total",
		Help: "Webhook deliveries received, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(receivedTotal)
}

// New builds a Handler. secret is the shared HMAC-SHA256 signing key.
func New(secret string, dedupTTL time.Duration, store Store, rt Router, enqueuer Enqueuer, broker *events.Broker) *Handler {
	return &Handler{
		secret:   []byte(secret),
		dedupTTL: dedupTTL,
		store:    store,
		router:   rt,
		enqueuer: enqueuer,
		broker:   broker,
		logger:   log.WithComponent("intake"),
	}
}

// ServeHTTP implements http.Handler for the webhook endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeReject(w, http.StatusBadRequest, "bad_payload", "could not read body")
		return
	}

	sig := r.Header.Get(headerSignature)
	if sig == "" || !h.verifySignature(body, sig) {
		receivedTotal.WithLabelValues("bad_signature").Inc()
		writeReject(w, http.StatusUnauthorized, "bad_signature", "signature mismatch")
		return
	}

	eventKind := r.Header.Get(headerEventType)
	if eventKind == "" {
		receivedTotal.WithLabelValues("missing_event").Inc()
		writeReject(w, http.StatusBadRequest, "missing_event", "missing event type header")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		receivedTotal.WithLabelValues("bad_payload").Inc()
		writeReject(w, http.StatusBadRequest, "bad_payload", "malformed JSON body")
		return
	}
	p.EventKind = eventKind

	if p.DeliveryID == "" {
		receivedTotal.WithLabelValues("bad_payload").Inc()
		writeReject(w, http.StatusBadRequest, "bad_payload", "missing delivery_id")
		return
	}

	seen, err := h.store.SeenDelivery(p.DeliveryID)
	if err != nil {
		receivedTotal.WithLabelValues("transient").Inc()
		h.logger.Error().Err(err).Msg("dedup lookup failed")
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	if seen != nil {
		receivedTotal.WithLabelValues("duplicate").Inc()
		writeAck(w, true)
		return
	}

	if p.EventKind != eventJobRequested {
		receivedTotal.WithLabelValues("dropped").Inc()
		_ = h.store.RecordDelivery(&types.IntakeDedupEntry{DeliveryID: p.DeliveryID, ReceivedAt: time.Now()})
		writeAck(w, false)
		return
	}

	job := &types.Job{
		JobID:           uuid.NewString(),
		DeliveryID:      p.DeliveryID,
		Repository:      p.Repository,
		Workflow:        p.WorkflowRunID,
		RequestedLabels: p.Labels,
		State:           types.JobReceived,
		CreatedAt:       time.Now(),
		EnqueuedAt:      time.Now(),
	}

	decision := h.router.Route(job)
	job.QueueName = decision.QueueName
	job.Priority = decision.Priority
	job.ResourceProfile = decision.ResourceProfile
	job.RequiredLabels = decision.RequiredLabels

	if err := h.enqueuer.Submit(job); err != nil {
		receivedTotal.WithLabelValues("transient").Inc()
		h.logger.Error().Err(err).Str("job_id", job.JobID).Msg("submit failed")
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	if err := h.enqueuer.Enqueue(job); err != nil {
		receivedTotal.WithLabelValues("transient").Inc()
		h.logger.Error().Err(err).Str("job_id", job.JobID).Msg("enqueue failed")
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}

	if err := h.store.RecordDelivery(&types.IntakeDedupEntry{
		DeliveryID: p.DeliveryID,
		JobID:      job.JobID,
		ReceivedAt: time.Now(),
	}); err != nil {
		h.logger.Warn().Err(err).Str("delivery_id", p.DeliveryID).Msg("failed to record delivery dedup entry")
	}

	h.broker.Publish(&events.Event{Type: events.TypeJobStateChanged, JobID: job.JobID, Message: "queued"})
	receivedTotal.WithLabelValues("accepted").Inc()
	writeAck(w, false)
}

func (h *Handler) verifySignature(body []byte, sig string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func writeAck(w http.ResponseWriter, duplicate bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"received": true, "duplicate": duplicate})
}

func writeReject(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
