package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"linksentry/pkg/ledger"
	"linksentry/pkg/metrics"
	"linksentry/pkg/pairing"
	"linksentry/pkg/ratelimit"
	"linksentry/pkg/schedule"
	"linksentry/pkg/session"
	"linksentry/pkg/store"
	"linksentry/pkg/stream"
)

// manualScheduler fires timers only when the test says so.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (t *manualTimer) Cancel() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) schedule.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{delay: delay, fn: fn}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	pending := append([]*manualTimer(nil), s.timers...)
	s.timers = nil
	s.mu.Unlock()
	for _, t := range pending {
		if !t.cancelled && !t.fired {
			t.fired = true
			t.fn()
		}
	}
}

func (s *manualScheduler) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

func newTestServer(sched *manualScheduler) *Server {
	kv := store.NewMemoryKV()
	pending := store.NewMemoryTimeSet()
	l := ledger.New(kv, pending, time.Hour)
	s := &Server{
		Ledger:              l,
		Policies:            ratelimit.NewPolicies(ratelimit.NewInMemory(), ratelimit.DefaultPolicyConfig()),
		Guard:               session.NewGuard(kv, time.Hour, time.Hour),
		Tracker:             session.NewTracker(),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		MaxRequestBodyBytes: 1 << 20,
		PairingRetryDelay:   30 * time.Second,
	}
	s.Watcher = ledger.NewAckWatcher(l, sched, ledger.AckWatchConfig{
		Timeout:    5 * time.Second,
		AckTarget:  2,
		MaxRetries: 3,
	})
	s.Watcher.OnFailed = s.verdictFailed
	s.Pairing = pairing.New(pairing.Config{
		Enabled:        true,
		Target:         "+15551230000",
		BaseRetryDelay: time.Second,
		MaxAttempts:    3,
	}, func(ctx context.Context) (string, error) { return "CODE-1234", nil }, kv, sched, s.pairingNotify)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body == "" {
		rdr = bytes.NewReader(nil)
	} else {
		rdr = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func waitEvent(t *testing.T, sub chan stream.Event, wantType string) stream.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub:
			if evt.Type == wantType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wantType)
		}
	}
}

func TestRecordMessageAdmission(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()

	body := `{"chat_id":"chat-1","message_id":"msg-1","sender_id":"user-1","body":"check https://evil.example","normalized_urls":["https://evil.example"]}`
	rr := doJSON(t, h, http.MethodPost, "/v1/messages", body)
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Second message in the same chat lands inside the cooldown window.
	rr = doJSON(t, h, http.MethodPost, "/v1/messages", `{"chat_id":"chat-1","message_id":"msg-2"}`)
	if rr.Code != 429 {
		t.Fatalf("expected 429 cooldown reject, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"policy":"chat_cooldown"`) {
		t.Fatalf("expected chat_cooldown policy in reject, got %s", rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on reject")
	}

	// A different chat has its own cooldown bucket.
	rr = doJSON(t, h, http.MethodPost, "/v1/messages", `{"chat_id":"chat-2","message_id":"msg-3"}`)
	if rr.Code != 201 {
		t.Fatalf("expected 201 for second chat, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRecordMessageValidation(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()

	if rr := doJSON(t, h, http.MethodPost, "/v1/messages", `{bad`); rr.Code != 400 {
		t.Fatalf("expected 400 for invalid json, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/messages", `{"chat_id":"chat-1"}`); rr.Code != 400 {
		t.Fatalf("expected 400 for missing message_id, got %d", rr.Code)
	}
}

func TestMessageAppendEndpoints(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()

	if rr := doJSON(t, h, http.MethodPost, "/v1/messages/edits", `{"chat_id":"chat-1","message_id":"msg-1","body":"edited"}`); rr.Code != 404 {
		t.Fatalf("expected 404 for untracked message, got %d", rr.Code)
	}

	keys := ledger.MessageKeys{ChatID: "chat-1", MessageID: "msg-1"}
	if _, err := s.Ledger.RecordMessageCreate(context.Background(), keys, ledger.MessageSeed{Body: "hello"}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/messages/edits", `{"chat_id":"chat-1","message_id":"msg-1","body":"edited"}`); rr.Code != 200 {
		t.Fatalf("expected 200 edit, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/messages/reactions", `{"chat_id":"chat-1","message_id":"msg-1","emoji":"👍","sender_id":"user-2"}`); rr.Code != 200 {
		t.Fatalf("expected 200 reaction, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/messages/reactions", `{"chat_id":"chat-1","message_id":"msg-1"}`); rr.Code != 400 {
		t.Fatalf("expected 400 for missing emoji, got %d", rr.Code)
	}

	rr := doJSON(t, h, http.MethodGet, "/v1/messages/chat-1/msg-1", "")
	if rr.Code != 200 {
		t.Fatalf("expected 200 get, got %d", rr.Code)
	}
	var rec ledger.MessageRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(rec.Edits) != 1 || rec.Edits[0].Body != "edited" {
		t.Fatalf("expected one edit, got %+v", rec.Edits)
	}
	if len(rec.Reactions) != 1 {
		t.Fatalf("expected one reaction, got %+v", rec.Reactions)
	}

	if rr := doJSON(t, h, http.MethodGet, "/v1/messages/chat-9/msg-9", ""); rr.Code != 404 {
		t.Fatalf("expected 404 for unknown message, got %d", rr.Code)
	}
}

func TestVerdictAttemptAckLifecycle(t *testing.T) {
	sched := &manualScheduler{}
	s := newTestServer(sched)
	h := s.routes()
	urlHash := ledger.HashURL("https://evil.example")

	body := `{"chat_id":"chat-1","message_id":"msg-1","url":"https://evil.example","verdict":"malicious","reasons":["bad-host"],"verdict_message_id":"vm-1"}`
	rr := doJSON(t, h, http.MethodPost, "/v1/verdicts/attempts", body)
	if rr.Code != 201 {
		t.Fatalf("expected 201 attempt, got %d body=%s", rr.Code, rr.Body.String())
	}
	if sched.liveCount() != 1 {
		t.Fatalf("expected one armed watch, got %d", sched.liveCount())
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/verdicts/chat-1/msg-1/"+urlHash, "")
	if rr.Code != 200 {
		t.Fatalf("expected 200 verdict get, got %d", rr.Code)
	}
	var v ledger.VerdictRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.AttemptCount != 1 || v.Status != ledger.StatusSent {
		t.Fatalf("expected attempt 1 sent, got %+v", v)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/pending?limit=10", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Fatalf("expected one pending context, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Below-target ack keeps the watch alive.
	rr = doJSON(t, h, http.MethodPost, "/v1/acks", `{"verdict_message_id":"vm-1","ack":1}`)
	if rr.Code != 200 {
		t.Fatalf("expected 200 ack, got %d body=%s", rr.Code, rr.Body.String())
	}
	if sched.liveCount() != 1 {
		t.Fatalf("expected watch still armed after low ack, got %d", sched.liveCount())
	}

	// At-target ack clears the watch and the pending index.
	rr = doJSON(t, h, http.MethodPost, "/v1/acks", `{"verdict_message_id":"vm-1","ack":2,"sent_at":"`+time.Now().UTC().Add(-time.Second).Format(time.RFC3339)+`"}`)
	if rr.Code != 200 {
		t.Fatalf("expected 200 ack, got %d body=%s", rr.Code, rr.Body.String())
	}
	if sched.liveCount() != 0 {
		t.Fatalf("expected watch cleared at target ack, got %d live", sched.liveCount())
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/pending", "")
	if !strings.Contains(rr.Body.String(), `"count":0`) {
		t.Fatalf("expected empty pending set, got %s", rr.Body.String())
	}

	snap := s.Metrics.Snapshot()
	if snap.AcksRecorded != 2 {
		t.Fatalf("expected 2 acks recorded, got %d", snap.AcksRecorded)
	}
}

func TestHandleAckUnknownID(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()
	rr := doJSON(t, h, http.MethodPost, "/v1/acks", `{"verdict_message_id":"vm-missing","ack":2}`)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for unknown verdict message id, got %d", rr.Code)
	}
}

func TestPendingLimitValidation(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()
	if rr := doJSON(t, h, http.MethodGet, "/v1/pending?limit=abc", ""); rr.Code != 400 {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
	rr := doJSON(t, h, http.MethodGet, "/v1/pending?limit=0", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"count":0`) {
		t.Fatalf("expected empty set for limit 0, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestVerdictStatusTransitions(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()
	urlHash := ledger.HashURL("https://evil.example")

	doJSON(t, h, http.MethodPost, "/v1/verdicts/attempts", `{"chat_id":"chat-1","message_id":"msg-1","url":"https://evil.example","verdict":"malicious","verdict_message_id":"vm-1"}`)

	rr := doJSON(t, h, http.MethodPost, "/v1/verdicts/status", `{"chat_id":"chat-1","message_id":"msg-1","url_hash":"`+urlHash+`","status":"retracted"}`)
	if rr.Code != 200 {
		t.Fatalf("expected 200 retract, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Terminal verdicts accept no further transitions.
	rr = doJSON(t, h, http.MethodPost, "/v1/verdicts/status", `{"chat_id":"chat-1","message_id":"msg-1","url_hash":"`+urlHash+`","status":"sent"}`)
	if rr.Code != 409 {
		t.Fatalf("expected 409 for terminal transition, got %d", rr.Code)
	}
}

func TestRevocationRetractsInFlightVerdicts(t *testing.T) {
	sched := &manualScheduler{}
	s := newTestServer(sched)
	h := s.routes()
	urlHash := ledger.HashURL("https://evil.example")

	doJSON(t, h, http.MethodPost, "/v1/messages", `{"chat_id":"chat-1","message_id":"msg-1","body":"x"}`)
	doJSON(t, h, http.MethodPost, "/v1/verdicts/attempts", `{"chat_id":"chat-1","message_id":"msg-1","url":"https://evil.example","verdict":"malicious","verdict_message_id":"vm-1"}`)

	rr := doJSON(t, h, http.MethodPost, "/v1/messages/revocations", `{"chat_id":"chat-1","message_id":"msg-1","by":"user-3"}`)
	if rr.Code != 200 {
		t.Fatalf("expected 200 revocation, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"retracted":1`) {
		t.Fatalf("expected one retracted verdict, got %s", rr.Body.String())
	}
	if sched.liveCount() != 0 {
		t.Fatalf("expected watch cleared on revocation, got %d live", sched.liveCount())
	}

	vctx := ledger.VerdictContext{
		ChatID:    ledger.NormalizeID("chat-1"),
		MessageID: ledger.NormalizeID("msg-1"),
		URLHash:   urlHash,
	}
	v, err := s.Ledger.GetVerdict(context.Background(), vctx)
	if err != nil || v == nil {
		t.Fatalf("verdict lookup: v=%v err=%v", v, err)
	}
	if v.Status != ledger.StatusRetracted {
		t.Fatalf("expected retracted status, got %s", v.Status)
	}
}

func TestResendIncrementsAttemptAndPublishes(t *testing.T) {
	sched := &manualScheduler{}
	s := newTestServer(sched)
	h := s.routes()
	sub := s.Events.Subscribe(16)
	defer s.Events.Unsubscribe(sub)

	doJSON(t, h, http.MethodPost, "/v1/verdicts/attempts", `{"chat_id":"chat-1","message_id":"msg-1","url":"https://evil.example","verdict":"malicious","verdict_message_id":"vm-1"}`)

	// Timeout fires with no ack: status goes retrying, the resend callback
	// re-registers the attempt and re-arms.
	sched.fireAll()
	evt := waitEvent(t, sub, stream.EventVerdictResend)
	var data map[string]any
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("decode resend payload: %v", err)
	}
	if data["attempt"].(float64) != 2 {
		t.Fatalf("expected attempt 2 in resend payload, got %v", data["attempt"])
	}
	if sched.liveCount() != 1 {
		t.Fatalf("expected watch re-armed after resend, got %d", sched.liveCount())
	}
	if s.Metrics.Snapshot().VerdictRetries != 1 {
		t.Fatalf("expected one retry counted, got %d", s.Metrics.Snapshot().VerdictRetries)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	sched := &manualScheduler{}
	s := newTestServer(sched)
	h := s.routes()
	sub := s.Events.Subscribe(16)
	defer s.Events.Unsubscribe(sub)

	doJSON(t, h, http.MethodPost, "/v1/verdicts/attempts", `{"chat_id":"chat-1","message_id":"msg-1","url":"https://evil.example","verdict":"malicious","verdict_message_id":"vm-1"}`)

	// MaxRetries is 3: two timeout fires bring the count to 3, the third
	// marks the verdict terminally failed.
	sched.fireAll()
	sched.fireAll()
	sched.fireAll()

	waitEvent(t, sub, stream.EventVerdictFailed)
	vctx := ledger.VerdictContext{
		ChatID:    ledger.NormalizeID("chat-1"),
		MessageID: ledger.NormalizeID("msg-1"),
		URLHash:   ledger.HashURL("https://evil.example"),
	}
	v, err := s.Ledger.GetVerdict(context.Background(), vctx)
	if err != nil || v == nil {
		t.Fatalf("verdict lookup: v=%v err=%v", v, err)
	}
	if v.Status != ledger.StatusFailed {
		t.Fatalf("expected failed status, got %s", v.Status)
	}
	if s.Metrics.Snapshot().VerdictFailures != 1 {
		t.Fatalf("expected one failure counted, got %d", s.Metrics.Snapshot().VerdictFailures)
	}
	contexts, err := s.Ledger.ListPendingAckContexts(context.Background(), 10)
	if err != nil {
		t.Fatalf("pending list: %v", err)
	}
	if len(contexts) != 0 {
		t.Fatalf("expected pending index drained after failure, got %d", len(contexts))
	}
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()
	sub := s.Events.Subscribe(16)
	defer s.Events.Unsubscribe(sub)

	rr := doJSON(t, h, http.MethodPost, "/v1/sessions", `{"user_agent":"wa/2.24","ip_address":"203.0.113.7","platform":"android"}`)
	if rr.Code != 201 {
		t.Fatalf("expected 201 create, got %d body=%s", rr.Code, rr.Body.String())
	}
	var info session.Info
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode session info: %v", err)
	}
	if info.SessionID == "" {
		t.Fatal("expected generated session id")
	}

	valid := `{"session_id":"` + info.SessionID + `","user_agent":"wa/2.24","ip_address":"203.0.113.99","platform":"android"}`
	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/validate", valid)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"valid":true`) {
		t.Fatalf("expected same-/24 validation to pass, got %d body=%s", rr.Code, rr.Body.String())
	}

	spoofed := `{"session_id":"` + info.SessionID + `","user_agent":"curl/8.0","ip_address":"203.0.113.7","platform":"android"}`
	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/validate", spoofed)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"valid":false`) {
		t.Fatalf("expected UA mismatch to fail validation, got %d body=%s", rr.Code, rr.Body.String())
	}
	waitEvent(t, sub, stream.EventSessionSuspicious)

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/rotate", `{"session_id":"`+info.SessionID+`"}`)
	if rr.Code != 200 {
		t.Fatalf("expected 200 rotate, got %d body=%s", rr.Code, rr.Body.String())
	}
	var rotated map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode rotate response: %v", err)
	}
	if rotated["session_id"] == "" || rotated["session_id"] == info.SessionID {
		t.Fatalf("expected fresh session id, got %q", rotated["session_id"])
	}
	waitEvent(t, sub, stream.EventSessionRotated)

	if rr := doJSON(t, h, http.MethodGet, "/v1/sessions/"+info.SessionID, ""); rr.Code != 404 {
		t.Fatalf("expected old session gone after rotation, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/sessions/"+rotated["session_id"], ""); rr.Code != 200 {
		t.Fatalf("expected new session readable, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/sessions/rotate", `{"session_id":"unknown"}`); rr.Code != 404 {
		t.Fatalf("expected 404 rotating unknown session, got %d", rr.Code)
	}
}

func TestAdmissionEndpoint(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()

	for i := 0; i < 5; i++ {
		rr := doJSON(t, h, http.MethodPost, "/v1/admission/governance/consume", `{"chat_id":"chat-1"}`)
		if rr.Code != 200 {
			t.Fatalf("expected governance grant %d, got %d body=%s", i+1, rr.Code, rr.Body.String())
		}
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/admission/governance/consume", `{"chat_id":"chat-1"}`)
	if rr.Code != 429 || !strings.Contains(rr.Body.String(), `"policy":"governance"`) {
		t.Fatalf("expected governance exhaustion, got %d body=%s", rr.Code, rr.Body.String())
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/admission/governance/consume", `{}`); rr.Code != 400 {
		t.Fatalf("expected 400 without chat_id, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/admission/unknown/consume", `{}`); rr.Code != 404 {
		t.Fatalf("expected 404 for unknown policy, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/admission/global/consume", `{}`); rr.Code != 200 {
		t.Fatalf("expected 200 global grant, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/admission/auto_approve/consume", `{"chat_id":"chat-1"}`); rr.Code != 200 {
		t.Fatalf("expected 200 auto_approve grant, got %d", rr.Code)
	}
}

func TestPairingEndpoints(t *testing.T) {
	sched := &manualScheduler{}
	s := newTestServer(sched)
	h := s.routes()
	sub := s.Events.Subscribe(16)
	defer s.Events.Unsubscribe(sub)

	rr := doJSON(t, h, http.MethodGet, "/v1/pairing/status", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"can_request":true`) {
		t.Fatalf("expected requestable pairing status, got %d body=%s", rr.Code, rr.Body.String())
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/pairing/schedule", `{"delay_sec":-1}`); rr.Code != 400 {
		t.Fatalf("expected 400 for negative delay, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/pairing/schedule", `{"delay_sec":1}`); rr.Code != 202 {
		t.Fatalf("expected 202 schedule, got %d", rr.Code)
	}
	if sched.liveCount() != 1 {
		t.Fatalf("expected one pairing timer, got %d", sched.liveCount())
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/pairing/cancel", ""); rr.Code != 200 {
		t.Fatalf("expected 200 cancel, got %d", rr.Code)
	}
	if sched.liveCount() != 0 {
		t.Fatalf("expected timer cancelled, got %d", sched.liveCount())
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/pairing/request", ""); rr.Code != 202 {
		t.Fatalf("expected 202 manual request, got %d body=%s", rr.Code, rr.Body.String())
	}
	sched.fireAll()
	evt := waitEvent(t, sub, stream.EventPairingCode)
	if !strings.Contains(string(evt.Data), "CODE-1234") {
		t.Fatalf("expected pairing code in event, got %s", string(evt.Data))
	}
	if s.Metrics.Snapshot().PairingOutcomes[pairing.OutcomeSuccess] != 1 {
		t.Fatalf("expected one pairing success, got %+v", s.Metrics.Snapshot().PairingOutcomes)
	}
}

func TestConnectionStateEndpoint(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	h := s.routes()

	s.Tracker.Apply(session.Transition{Event: session.EventOpen, BotID: "bot-1", Platform: "android", At: time.Now().UTC()})
	rr := doJSON(t, h, http.MethodGet, "/v1/connection", "")
	if rr.Code != 200 {
		t.Fatalf("expected 200 connection state, got %d", rr.Code)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Connected || !snap.Authenticated || snap.BotID != "bot-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStreamEventsUnavailable(t *testing.T) {
	s := newTestServer(&manualScheduler{})
	s.Events = nil
	rr := doJSON(t, s.routes(), http.MethodGet, "/v1/events", "")
	if rr.Code != 503 {
		t.Fatalf("expected 503 without hub, got %d", rr.Code)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := wsOriginPatterns(" https://ops.example , ,https://panel.example ")
	if len(got) != 2 || got[0] != "https://ops.example" || got[1] != "https://panel.example" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}
