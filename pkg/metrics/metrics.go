package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	verdictStatus    map[string]int64
	admissionAllowed map[string]int64
	admissionDenied  map[string]int64
	pairingOutcome   map[string]int64
	gauges           map[string]float64
	messagesTracked  int64
	acksRecorded     int64
	verdictRetries   int64
	verdictFailures  int64
	sessionRotations int64
	deliveryLatency  DeliveryLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// DeliveryLatencyStat tracks time from verdict send to ack confirmation.
type DeliveryLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	VerdictStatuses   map[string]int64        `json:"verdict_statuses"`
	AdmissionAllowed  map[string]int64        `json:"admission_allowed"`
	AdmissionDenied   map[string]int64        `json:"admission_denied"`
	PairingOutcomes   map[string]int64        `json:"pairing_outcomes"`
	Gauges            map[string]float64      `json:"gauges"`
	MessagesTracked   int64                   `json:"messages_tracked_total"`
	AcksRecorded      int64                   `json:"acks_recorded_total"`
	VerdictRetries    int64                   `json:"verdict_retries_total"`
	VerdictFailures   int64                   `json:"verdict_failures_total"`
	SessionRotations  int64                   `json:"session_rotations_total"`
	DeliveryLatencyMS DeliveryLatencyStat     `json:"delivery_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		verdictStatus:    map[string]int64{},
		admissionAllowed: map[string]int64{},
		admissionDenied:  map[string]int64{},
		pairingOutcome:   map[string]int64{},
		gauges:           map[string]float64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncMessageTracked() {
	r.mu.Lock()
	r.messagesTracked++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.verdictStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncAck() {
	r.mu.Lock()
	r.acksRecorded++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictRetry() {
	r.mu.Lock()
	r.verdictRetries++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictFailure() {
	r.mu.Lock()
	r.verdictFailures++
	r.mu.Unlock()
}

func (r *Registry) IncSessionRotation() {
	r.mu.Lock()
	r.sessionRotations++
	r.mu.Unlock()
}

// IncAdmission records one admission decision for the named policy.
func (r *Registry) IncAdmission(policy string, allowed bool) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return
	}
	r.mu.Lock()
	if allowed {
		r.admissionAllowed[policy]++
	} else {
		r.admissionDenied[policy]++
	}
	r.mu.Unlock()
}

func (r *Registry) IncPairingOutcome(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.pairingOutcome[kind]++
	r.mu.Unlock()
}

// ObserveDeliveryLatency records elapsed time between a verdict send and
// its confirming ack.
func (r *Registry) ObserveDeliveryLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveryLatency.Count++
	r.deliveryLatency.TotalMS += ms
	r.deliveryLatency.LastMS = ms
	if ms > r.deliveryLatency.MaxMS {
		r.deliveryLatency.MaxMS = ms
	}
	r.deliveryLatency.AvgMS = float64(r.deliveryLatency.TotalMS) / float64(r.deliveryLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		VerdictStatuses:  make(map[string]int64, len(r.verdictStatus)),
		AdmissionAllowed: make(map[string]int64, len(r.admissionAllowed)),
		AdmissionDenied:  make(map[string]int64, len(r.admissionDenied)),
		PairingOutcomes:  make(map[string]int64, len(r.pairingOutcome)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		MessagesTracked:  r.messagesTracked,
		AcksRecorded:     r.acksRecorded,
		VerdictRetries:   r.verdictRetries,
		VerdictFailures:  r.verdictFailures,
		SessionRotations: r.sessionRotations,
		DeliveryLatencyMS: DeliveryLatencyStat{
			Count:   r.deliveryLatency.Count,
			TotalMS: r.deliveryLatency.TotalMS,
			MaxMS:   r.deliveryLatency.MaxMS,
			LastMS:  r.deliveryLatency.LastMS,
			AvgMS:   r.deliveryLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdictStatus {
		out.VerdictStatuses[k] = v
	}
	for k, v := range r.admissionAllowed {
		out.AdmissionAllowed[k] = v
	}
	for k, v := range r.admissionDenied {
		out.AdmissionDenied[k] = v
	}
	for k, v := range r.pairingOutcome {
		out.PairingOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP sentry_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE sentry_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentry_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP sentry_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE sentry_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentry_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP sentry_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE sentry_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentry_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP sentry_messages_tracked_total messages admitted into the delivery ledger\n")
		b.WriteString("# TYPE sentry_messages_tracked_total counter\n")
		fmt.Fprintf(b, "sentry_messages_tracked_total %d\n", snap.MessagesTracked)
		b.WriteString("# HELP sentry_verdict_status_total verdict deliveries by status\n")
		b.WriteString("# TYPE sentry_verdict_status_total counter\n")
		for _, status := range SortedKeys(snap.VerdictStatuses) {
			fmt.Fprintf(b, "sentry_verdict_status_total{status=%q} %d\n", status, snap.VerdictStatuses[status])
		}
		b.WriteString("# HELP sentry_acks_recorded_total delivery acks recorded\n")
		b.WriteString("# TYPE sentry_acks_recorded_total counter\n")
		fmt.Fprintf(b, "sentry_acks_recorded_total %d\n", snap.AcksRecorded)
		b.WriteString("# HELP sentry_verdict_retries_total verdict resends after ack timeout\n")
		b.WriteString("# TYPE sentry_verdict_retries_total counter\n")
		fmt.Fprintf(b, "sentry_verdict_retries_total %d\n", snap.VerdictRetries)
		b.WriteString("# HELP sentry_verdict_failures_total verdicts abandoned after retry exhaustion\n")
		b.WriteString("# TYPE sentry_verdict_failures_total counter\n")
		fmt.Fprintf(b, "sentry_verdict_failures_total %d\n", snap.VerdictFailures)
		b.WriteString("# HELP sentry_admission_allowed_total admission decisions allowed by policy\n")
		b.WriteString("# TYPE sentry_admission_allowed_total counter\n")
		for _, policy := range SortedKeys(snap.AdmissionAllowed) {
			fmt.Fprintf(b, "sentry_admission_allowed_total{policy=%q} %d\n", policy, snap.AdmissionAllowed[policy])
		}
		b.WriteString("# HELP sentry_admission_denied_total admission decisions denied by policy\n")
		b.WriteString("# TYPE sentry_admission_denied_total counter\n")
		for _, policy := range SortedKeys(snap.AdmissionDenied) {
			fmt.Fprintf(b, "sentry_admission_denied_total{policy=%q} %d\n", policy, snap.AdmissionDenied[policy])
		}
		b.WriteString("# HELP sentry_pairing_outcome_total pairing attempts by outcome\n")
		b.WriteString("# TYPE sentry_pairing_outcome_total counter\n")
		for _, kind := range SortedKeys(snap.PairingOutcomes) {
			fmt.Fprintf(b, "sentry_pairing_outcome_total{outcome=%q} %d\n", kind, snap.PairingOutcomes[kind])
		}
		b.WriteString("# HELP sentry_session_rotations_total session rotations performed\n")
		b.WriteString("# TYPE sentry_session_rotations_total counter\n")
		fmt.Fprintf(b, "sentry_session_rotations_total %d\n", snap.SessionRotations)
		b.WriteString("# HELP sentry_gauge operational gauge metrics\n")
		b.WriteString("# TYPE sentry_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sentry_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP sentry_delivery_latency_ms time from verdict send to confirming ack\n")
		b.WriteString("# TYPE sentry_delivery_latency_ms gauge\n")
		fmt.Fprintf(b, "sentry_delivery_latency_ms{stat=%q} %d\n", "last", snap.DeliveryLatencyMS.LastMS)
		fmt.Fprintf(b, "sentry_delivery_latency_ms{stat=%q} %.3f\n", "avg", snap.DeliveryLatencyMS.AvgMS)
		fmt.Fprintf(b, "sentry_delivery_latency_ms{stat=%q} %d\n", "max", snap.DeliveryLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP sentry_latency_seconds latency histogram\n")
			b.WriteString("# TYPE sentry_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "sentry_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "sentry_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sentry_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "sentry_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sentry_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "sentry_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "sentry_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
