package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"linksentry/pkg/audit"
	"linksentry/pkg/hardening"
	"linksentry/pkg/httpx"
	"linksentry/pkg/ledger"
	"linksentry/pkg/metrics"
	"linksentry/pkg/pairing"
	"linksentry/pkg/ratelimit"
	"linksentry/pkg/schedule"
	"linksentry/pkg/session"
	"linksentry/pkg/statebus"
	"linksentry/pkg/store"
	"linksentry/pkg/stream"
	"linksentry/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Server struct {
	Ledger   *ledger.Ledger
	Watcher  *ledger.AckWatcher
	Policies *ratelimit.Policies
	Pairing  *pairing.Orchestrator
	Guard    *session.Guard
	Tracker  *session.Tracker
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Audit    *audit.Writer

	bus                 statebus.Consumer
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
	PairingRetryDelay   time.Duration
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoresFn    func(context.Context) (store.KV, store.TimeSet, ratelimit.Limiter)
	openAuditDBFn   func(context.Context) (auditDB, func(), error)
	listenFnS       func(*http.Server) error
)

func main() {
	if err := runSentry(initTelemetryFn, openStoresFn, openAuditDBFn, listenFnS); err != nil {
		logFatalf("sentry: %v", err)
	}
}

func openStores(ctx context.Context) (store.KV, store.TimeSet, ratelimit.Limiter) {
	client, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("sentry: redis unavailable, using in-memory stores: %v", err)
		return store.NewMemoryKV(), store.NewMemoryTimeSet(), ratelimit.NewInMemory()
	}
	pendingTTL := envDurationSec("PENDING_ACK_TTL_SEC", 7*24*3600)
	return store.NewKV(ctx, client),
		store.NewRedisTimeSet(client, "pending:acks", pendingTTL),
		ratelimit.NewRedis(client)
}

func runSentry(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	stores func(context.Context) (store.KV, store.TimeSet, ratelimit.Limiter),
	openAuditDB func(context.Context) (auditDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if stores == nil {
		stores = openStores
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "sentry")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := &Server{
		Tracker:             session.NewTracker(),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		ServiceAuthHeader:   env("SENTRY_AUTH_HEADER", ""),
		ServiceAuthToken:    env("SENTRY_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		PairingRetryDelay:   envDurationSec("PAIRING_RETRY_DELAY_SEC", 30),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	pairEndpoint := env("PAIR_ENDPOINT", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "sentry",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		PairEndpoint:          pairEndpoint,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "SENTRY_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "SENTRY_AUTH_TOKEN", Value: s.ServiceAuthToken},
		},
	}); err != nil {
		return err
	}

	kv, pending, limiter := stores(ctx)
	recordTTL := envDurationSec("RECORD_TTL_SEC", 7*24*3600)
	s.Ledger = ledger.New(kv, pending, recordTTL)
	s.Watcher = ledger.NewAckWatcher(s.Ledger, schedule.Timers{}, ledger.AckWatchConfig{
		Timeout:    envDurationSec("ACK_TIMEOUT_SEC", 60),
		AckTarget:  envInt("ACK_TARGET", 2),
		MaxRetries: envInt("ACK_MAX_RETRIES", 3),
	})
	s.Watcher.OnFailed = s.verdictFailed
	s.Policies = ratelimit.NewPolicies(limiter, policyConfigFromEnv())
	s.Guard = session.NewGuard(kv,
		envDurationSec("SESSION_TTL_SEC", 30*24*3600),
		envDurationSec("SESSION_ROTATE_AFTER_SEC", 7*24*3600))

	requestCode := pairingRequestCode(
		telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("PAIR_REQUEST_TIMEOUT_SEC", 15)}),
		pairEndpoint,
		env("PAIRING_TARGET", ""),
		pairingHeaders(),
	)
	s.Pairing = pairing.New(pairing.Config{
		Enabled:           env("PAIRING_ENABLED", "true") == "true",
		Target:            env("PAIRING_TARGET", ""),
		BaseRetryDelay:    s.PairingRetryDelay,
		RateLimitDelay:    envDurationSec("PAIRING_RATE_LIMIT_DELAY_SEC", 300),
		MaxAttempts:       envInt("PAIRING_MAX_ATTEMPTS", 5),
		ForcePhonePairing: env("PAIRING_FORCE_PHONE", "false") == "true",
		BackoffTTL:        envDurationSec("PAIRING_BACKOFF_TTL_SEC", 3600),
	}, requestCode, kv, schedule.Timers{}, s.pairingNotify)

	if env("AUDIT_ENABLED", "false") == "true" {
		if openAuditDB == nil {
			openAuditDB = func(ctx context.Context) (auditDB, func(), error) {
				pool, err := store.NewPostgresPool(ctx)
				if err != nil {
					return nil, nil, err
				}
				return pool, pool.Close, nil
			}
		}
		db, closeDB, err := openAuditDB(ctx)
		if err != nil {
			return err
		}
		if closeDB != nil {
			defer closeDB()
		}
		s.Audit = &audit.Writer{DB: db, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: true}
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "session-events"),
			GroupID: env("KAFKA_GROUP_ID", "sentry"),
		})
		if err != nil {
			return err
		}
		s.bus = consumer
		go s.consumeTransitions(context.Background())
	}
	defer func() {
		if s.bus != nil {
			_ = s.bus.Close()
		}
	}()

	if n, err := s.Watcher.Rehydrate(ctx, envInt("REHYDRATE_LIMIT", 500), s.resendVerdict); err != nil {
		log.Printf("sentry: ack rehydration failed: %v", err)
	} else if n > 0 {
		log.Printf("sentry: rehydrated %d pending verdict deliveries", n)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("sentry"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "sentry"})
	})

	r.Mount("/", s.routes())

	addr := env("ADDR", ":8086")
	log.Printf("sentry service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	api := chi.NewRouter()
	api.Use(s.requireServiceToken)
	api.Post("/v1/messages", s.recordMessage)
	api.Post("/v1/messages/edits", s.appendEdit)
	api.Post("/v1/messages/reactions", s.appendReaction)
	api.Post("/v1/messages/revocations", s.appendRevocation)
	api.Get("/v1/messages/{chatID}/{messageID}", s.getMessage)
	api.Post("/v1/verdicts/attempts", s.registerVerdictAttempt)
	api.Post("/v1/verdicts/status", s.markVerdictStatus)
	api.Get("/v1/verdicts/{chatID}/{messageID}/{urlHash}", s.getVerdict)
	api.Post("/v1/acks", s.handleAck)
	api.Get("/v1/pending", s.listPending)
	api.Get("/v1/pairing/status", s.pairingStatus)
	api.Post("/v1/pairing/schedule", s.pairingSchedule)
	api.Post("/v1/pairing/request", s.pairingRequest)
	api.Post("/v1/pairing/cancel", s.pairingCancel)
	api.Post("/v1/sessions", s.createSession)
	api.Post("/v1/sessions/validate", s.validateSession)
	api.Post("/v1/sessions/rotate", s.rotateSession)
	api.Get("/v1/sessions/{id}", s.getSession)
	api.Get("/v1/connection", s.connectionState)
	api.Post("/v1/admission/{policy}/consume", s.consumeAdmission)
	api.Get("/v1/events", s.streamEvents)
	api.Get("/metricsz", s.Metrics.Handler())
	api.Get("/metricsz/prometheus", s.Metrics.PrometheusHandler())
	return api
}

func policyConfigFromEnv() ratelimit.PolicyConfig {
	cfg := ratelimit.DefaultPolicyConfig()
	cfg.GlobalHourly = envInt("RATE_GLOBAL_HOURLY", cfg.GlobalHourly)
	cfg.ChatCooldown = envDurationSec("RATE_CHAT_COOLDOWN_SEC", int(cfg.ChatCooldown/time.Second))
	cfg.ChatHourly = envInt("RATE_CHAT_HOURLY", cfg.ChatHourly)
	cfg.GovernanceHourly = envInt("RATE_GOVERNANCE_HOURLY", cfg.GovernanceHourly)
	cfg.AutoApproveGlobal = envInt("RATE_AUTO_APPROVE_GLOBAL", cfg.AutoApproveGlobal)
	cfg.AutoApproveChat = envInt("RATE_AUTO_APPROVE_CHAT", cfg.AutoApproveChat)
	return cfg
}

func pairingHeaders() map[string]string {
	headers := map[string]string{}
	if h, t := os.Getenv("PAIR_AUTH_HEADER"), os.Getenv("PAIR_AUTH_TOKEN"); h != "" && t != "" {
		headers[h] = t
	}
	return headers
}

// pairingRequestCode asks the transport adapter for a fresh pairing code.
// A 429 is surfaced with a rate-overlimit marker so the orchestrator
// classifies it as a rate limit; auth rejections carry the logout marker
// so it stops retrying.
func pairingRequestCode(client *http.Client, endpoint, target string, headers map[string]string) pairing.RequestCodeFunc {
	return func(ctx context.Context) (string, error) {
		if endpoint == "" {
			return "", errors.New("pairing endpoint not configured")
		}
		body, _ := json.Marshal(map[string]string{"target": target})
		status, respBody, err := httpx.RequestJSON(ctx, client, http.MethodPost, endpoint, body, headers, 0, 0)
		if err != nil {
			return "", err
		}
		switch {
		case status == http.StatusTooManyRequests:
			return "", errors.New("rate-overlimit: pairing code request throttled")
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return "", errors.New("unauthorized: transport rejected pairing credentials")
		case status >= 400:
			return "", fmt.Errorf("pairing endpoint returned status %d", status)
		}
		var out struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", fmt.Errorf("pairing endpoint response: %w", err)
		}
		if out.Code == "" {
			return "", errors.New("pairing endpoint returned no code")
		}
		return out.Code, nil
	}
}

func (s *Server) consumeTransitions(ctx context.Context) {
	pump := statebus.NewPump(s.bus, s.Tracker)
	pump.OnTransition = s.applyTransition
	for {
		err := pump.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("sentry bus read error: %v", err)
		time.Sleep(500 * time.Millisecond)
	}
}

func (s *Server) applyTransition(tr session.Transition, snap session.Snapshot) {
	switch tr.Event {
	case session.EventOpen:
		s.Pairing.SetSessionActive(true)
	case session.EventCodeDelivered:
		s.Pairing.SetCodeDelivered(true)
	case session.EventClose:
		s.Pairing.SetSessionActive(false)
	case session.EventLoggedOut:
		s.Pairing.SetSessionActive(false)
		s.Pairing.SetCodeDelivered(false)
		s.Pairing.Schedule(s.PairingRetryDelay)
	}
	s.Metrics.SetGauge("session_connected", boolGauge(snap.Connected))
	s.Metrics.SetGauge("session_authenticated", boolGauge(snap.Authenticated))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get(s.ServiceAuthHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("sentry %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
