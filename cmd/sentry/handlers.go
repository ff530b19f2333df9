package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"linksentry/pkg/audit"
	"linksentry/pkg/httpx"
	"linksentry/pkg/ledger"
	"linksentry/pkg/pairing"
	"linksentry/pkg/ratelimit"
	"linksentry/pkg/session"
	"linksentry/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type messageKeysRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (r messageKeysRequest) keys() ledger.MessageKeys {
	return ledger.MessageKeys{ChatID: r.ChatID, MessageID: r.MessageID}
}

func (r messageKeysRequest) valid() bool {
	return r.ChatID != "" && r.MessageID != ""
}

func rejectDecision(w http.ResponseWriter, policy string, d ratelimit.Decision) {
	retryAfter := int(time.Until(d.ResetAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httpx.WriteJSON(w, 429, map[string]any{
		"error":           "rate_limited",
		"policy":          policy,
		"limit":           d.Limit,
		"retry_after_sec": retryAfter,
	})
}

func (s *Server) recordMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		SenderID       string   `json:"sender_id"`
		Timestamp      int64    `json:"timestamp"`
		Body           string   `json:"body"`
		NormalizedURLs []string `json:"normalized_urls"`
		URLHashes      []string `json:"url_hashes"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() {
		httpx.Error(w, 400, "chat_id and message_id required")
		return
	}
	gates := []struct {
		policy  string
		consume func() ratelimit.Decision
	}{
		{"global", s.Policies.ConsumeGlobal},
		{"chat_cooldown", func() ratelimit.Decision { return s.Policies.ConsumeChatCooldown(req.ChatID) }},
		{"chat_hourly", func() ratelimit.Decision { return s.Policies.ConsumeChatHourly(req.ChatID) }},
	}
	for _, gate := range gates {
		d := gate.consume()
		s.Metrics.IncAdmission(gate.policy, d.Allowed)
		if !d.Allowed {
			rejectDecision(w, gate.policy, d)
			return
		}
	}
	rec, err := s.Ledger.RecordMessageCreate(r.Context(), req.keys(), ledger.MessageSeed{
		SenderID:       req.SenderID,
		Timestamp:      req.Timestamp,
		Body:           req.Body,
		NormalizedURLs: req.NormalizedURLs,
		URLHashes:      req.URLHashes,
	})
	if err != nil {
		internalServerError(w, "record message", err)
		return
	}
	s.Metrics.IncMessageTracked()
	httpx.WriteJSON(w, 201, rec)
}

func (s *Server) appendEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		Body string `json:"body"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() {
		httpx.Error(w, 400, "chat_id and message_id required")
		return
	}
	ok, err := s.Ledger.AppendEdit(r.Context(), req.keys(), req.Body, time.Now().UTC())
	if err != nil {
		internalServerError(w, "append edit", err)
		return
	}
	if !ok {
		httpx.Error(w, 404, "message not tracked")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) appendReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		Emoji    string `json:"emoji"`
		SenderID string `json:"sender_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() || req.Emoji == "" {
		httpx.Error(w, 400, "chat_id, message_id, emoji required")
		return
	}
	ok, err := s.Ledger.AppendReaction(r.Context(), req.keys(), req.Emoji, req.SenderID, time.Now().UTC())
	if err != nil {
		internalServerError(w, "append reaction", err)
		return
	}
	if !ok {
		httpx.Error(w, 404, "message not tracked")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// appendRevocation records the revocation and retracts any in-flight
// verdict deliveries for the message: a revoked message must not keep
// generating retries for replies nobody can see.
func (s *Server) appendRevocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		By string `json:"by"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() {
		httpx.Error(w, 400, "chat_id and message_id required")
		return
	}
	ok, err := s.Ledger.AppendRevocation(r.Context(), req.keys(), req.By, time.Now().UTC())
	if err != nil {
		internalServerError(w, "append revocation", err)
		return
	}
	if !ok {
		httpx.Error(w, 404, "message not tracked")
		return
	}
	rec, err := s.Ledger.GetRecord(r.Context(), req.keys())
	if err != nil {
		internalServerError(w, "load record after revocation", err)
		return
	}
	retracted := 0
	for urlHash, v := range rec.Verdicts {
		if ledger.IsTerminal(v.Status) {
			continue
		}
		vctx := ledger.VerdictContext{
			ChatID:    ledger.NormalizeID(req.ChatID),
			MessageID: ledger.NormalizeID(req.MessageID),
			URLHash:   urlHash,
		}
		s.Watcher.Clear(vctx)
		_ = s.Ledger.RemovePendingAck(r.Context(), vctx)
		if changed, err := s.Ledger.MarkVerdictStatus(r.Context(), vctx, ledger.StatusRetracted); err == nil && changed {
			s.Metrics.IncVerdictStatus(ledger.StatusRetracted)
			retracted++
		}
	}
	s.appendAudit(r.Context(), audit.Record{
		ChatIDHash:    ledger.NormalizeID(req.ChatID),
		MessageIDHash: ledger.NormalizeID(req.MessageID),
		Kind:          audit.KindMessageRevoked,
		Detail:        mustJSON(map[string]int{"retracted": retracted}),
	})
	httpx.WriteJSON(w, 200, map[string]any{"status": "ok", "retracted": retracted})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	keys := ledger.MessageKeys{
		ChatID:    chi.URLParam(r, "chatID"),
		MessageID: chi.URLParam(r, "messageID"),
	}
	rec, err := s.Ledger.GetRecord(r.Context(), keys)
	if err != nil {
		internalServerError(w, "get message", err)
		return
	}
	if rec == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) registerVerdictAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		URL               string   `json:"url"`
		URLHash           string   `json:"url_hash"`
		Verdict           string   `json:"verdict"`
		Reasons           []string `json:"reasons"`
		VerdictMessageID  string   `json:"verdict_message_id"`
		Ack               *int     `json:"ack"`
		RedirectChain     []string `json:"redirect_chain"`
		Shortener         string   `json:"shortener"`
		DegradedProviders []string `json:"degraded_providers"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() || (req.URL == "" && req.URLHash == "") {
		httpx.Error(w, 400, "chat_id, message_id and url or url_hash required")
		return
	}
	att := ledger.VerdictAttempt{
		Keys:              req.keys(),
		URL:               req.URL,
		URLHash:           req.URLHash,
		Verdict:           req.Verdict,
		Reasons:           req.Reasons,
		VerdictMessageID:  req.VerdictMessageID,
		Ack:               req.Ack,
		RedirectChain:     req.RedirectChain,
		Shortener:         req.Shortener,
		DegradedProviders: req.DegradedProviders,
	}
	vctx := att.Context()
	prior, err := s.Ledger.PriorVerdictMessageID(r.Context(), vctx)
	if err != nil {
		internalServerError(w, "prior verdict lookup", err)
		return
	}
	v, err := s.Ledger.RegisterVerdictAttempt(r.Context(), att)
	if err != nil {
		internalServerError(w, "register verdict attempt", err)
		return
	}
	s.Watcher.Arm(r.Context(), vctx, s.resendVerdict)
	s.Metrics.IncVerdictStatus(ledger.StatusSent)
	s.appendAudit(r.Context(), audit.Record{
		ChatIDHash:    vctx.ChatID,
		MessageIDHash: vctx.MessageID,
		Kind:          audit.KindVerdictSent,
		Detail: mustJSON(map[string]any{
			"url":     req.URL,
			"verdict": req.Verdict,
			"attempt": v.AttemptCount,
		}),
	})
	resp := map[string]any{
		"context": vctx,
		"verdict": v,
	}
	if prior != "" && prior != v.VerdictMessageID {
		resp["prior_verdict_message_id"] = prior
	}
	httpx.WriteJSON(w, 201, resp)
}

func (s *Server) markVerdictStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageKeysRequest
		URLHash string `json:"url_hash"`
		Status  string `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !req.valid() || req.URLHash == "" || req.Status == "" {
		httpx.Error(w, 400, "chat_id, message_id, url_hash, status required")
		return
	}
	vctx := ledger.VerdictContext{
		ChatID:    ledger.NormalizeID(req.ChatID),
		MessageID: ledger.NormalizeID(req.MessageID),
		URLHash:   req.URLHash,
	}
	ok, err := s.Ledger.MarkVerdictStatus(r.Context(), vctx, req.Status)
	if err != nil {
		internalServerError(w, "mark verdict status", err)
		return
	}
	if !ok {
		httpx.Error(w, 409, "transition not allowed")
		return
	}
	s.Metrics.IncVerdictStatus(req.Status)
	if ledger.IsTerminal(req.Status) {
		s.Watcher.Clear(vctx)
		_ = s.Ledger.RemovePendingAck(r.Context(), vctx)
	}
	if req.Status == ledger.StatusRetracted {
		s.appendAudit(r.Context(), audit.Record{
			ChatIDHash:    vctx.ChatID,
			MessageIDHash: vctx.MessageID,
			Kind:          audit.KindVerdictRetracted,
			Detail:        mustJSON(map[string]string{"url_hash": vctx.URLHash}),
		})
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": req.Status})
}

func (s *Server) getVerdict(w http.ResponseWriter, r *http.Request) {
	vctx := ledger.VerdictContext{
		ChatID:    ledger.NormalizeID(chi.URLParam(r, "chatID")),
		MessageID: ledger.NormalizeID(chi.URLParam(r, "messageID")),
		URLHash:   chi.URLParam(r, "urlHash"),
	}
	v, err := s.Ledger.GetVerdict(r.Context(), vctx)
	if err != nil {
		internalServerError(w, "get verdict", err)
		return
	}
	if v == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, v)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerdictMessageID string `json:"verdict_message_id"`
		Ack              int    `json:"ack"`
		SentAt           string `json:"sent_at"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.VerdictMessageID == "" {
		httpx.Error(w, 400, "verdict_message_id required")
		return
	}
	vctx, found, err := s.Ledger.ResolveVerdictMessageID(r.Context(), req.VerdictMessageID)
	if err != nil {
		internalServerError(w, "resolve verdict message id", err)
		return
	}
	if !found {
		httpx.Error(w, 404, "unknown verdict message id")
		return
	}
	now := time.Now().UTC()
	v, err := s.Watcher.HandleAck(r.Context(), vctx, req.Ack, now)
	if err != nil {
		internalServerError(w, "handle ack", err)
		return
	}
	if v == nil {
		httpx.Error(w, 404, "verdict not tracked")
		return
	}
	s.Metrics.IncAck()
	if req.SentAt != "" {
		if sentAt, err := time.Parse(time.RFC3339, req.SentAt); err == nil {
			s.Metrics.ObserveDeliveryLatency(now.Sub(sentAt))
		}
	}
	s.appendAudit(r.Context(), audit.Record{
		ChatIDHash:    vctx.ChatID,
		MessageIDHash: vctx.MessageID,
		Kind:          audit.KindAckReceived,
		Detail:        mustJSON(map[string]any{"ack": req.Ack, "url_hash": vctx.URLHash}),
	})
	httpx.WriteJSON(w, 200, map[string]any{"context": vctx, "verdict": v})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, 400, "limit must be an integer")
			return
		}
		limit = n
	}
	contexts, err := s.Ledger.ListPendingAckContexts(r.Context(), limit)
	if err != nil {
		internalServerError(w, "list pending", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"pending": contexts, "count": len(contexts)})
}

func (s *Server) pairingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Pairing.Status()
	httpx.WriteJSON(w, 200, map[string]any{
		"rate_limited":            st.RateLimited,
		"next_attempt_in_sec":     int(st.NextAttemptIn.Seconds()),
		"can_request":             st.CanRequest,
		"consecutive_rate_limits": st.ConsecutiveRateLimits,
		"last_attempt_at":         st.LastAttemptAt,
	})
}

func (s *Server) pairingSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelaySec int `json:"delay_sec"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.DelaySec < 0 {
		httpx.Error(w, 400, "delay_sec must not be negative")
		return
	}
	s.Pairing.Schedule(time.Duration(req.DelaySec) * time.Second)
	httpx.WriteJSON(w, 202, map[string]string{"status": "scheduled"})
}

func (s *Server) pairingRequest(w http.ResponseWriter, r *http.Request) {
	if !s.Pairing.RequestManually() {
		st := s.Pairing.Status()
		httpx.WriteJSON(w, 429, map[string]any{
			"error":               "pairing_unavailable",
			"rate_limited":        st.RateLimited,
			"next_attempt_in_sec": int(st.NextAttemptIn.Seconds()),
		})
		return
	}
	httpx.WriteJSON(w, 202, map[string]string{"status": "requested"})
}

func (s *Server) pairingCancel(w http.ResponseWriter, r *http.Request) {
	s.Pairing.Cancel()
	httpx.WriteJSON(w, 200, map[string]string{"status": "cancelled"})
}

type fingerprintRequest struct {
	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`
	Platform  string `json:"platform"`
}

func (f fingerprintRequest) fingerprint() session.Fingerprint {
	return session.Fingerprint{UserAgent: f.UserAgent, IPAddress: f.IPAddress, Platform: f.Platform}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		fingerprintRequest
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	info, err := s.Guard.RecordCreation(r.Context(), req.SessionID, req.fingerprint())
	if err != nil {
		internalServerError(w, "create session", err)
		return
	}
	httpx.WriteJSON(w, 201, info)
}

func (s *Server) validateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		fingerprintRequest
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.SessionID == "" {
		httpx.Error(w, 400, "session_id required")
		return
	}
	valid, err := s.Guard.Validate(r.Context(), req.SessionID, req.fingerprint())
	if err != nil {
		internalServerError(w, "validate session", err)
		return
	}
	if !valid {
		s.Events.Publish(stream.NewEvent(stream.EventSessionSuspicious, map[string]string{
			"session_id": req.SessionID,
		}))
	}
	shouldRotate := false
	if valid {
		shouldRotate, err = s.Guard.ShouldRotate(r.Context(), req.SessionID)
		if err != nil {
			internalServerError(w, "rotation check", err)
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]bool{"valid": valid, "should_rotate": shouldRotate})
}

func (s *Server) rotateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		fingerprintRequest
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.SessionID == "" {
		httpx.Error(w, 400, "session_id required")
		return
	}
	info, err := s.Guard.GetInfo(r.Context(), req.SessionID)
	if err != nil {
		internalServerError(w, "rotate session", err)
		return
	}
	if info == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	fp := req.fingerprint()
	if fp.UserAgent == "" && fp.IPAddress == "" && fp.Platform == "" {
		fp = info.Fingerprint
	}
	newID, err := s.Guard.Rotate(r.Context(), req.SessionID, fp)
	if err != nil {
		internalServerError(w, "rotate session", err)
		return
	}
	s.Metrics.IncSessionRotation()
	s.Events.Publish(stream.NewEvent(stream.EventSessionRotated, map[string]string{
		"old_session_id": req.SessionID,
		"session_id":     newID,
	}))
	s.appendAudit(r.Context(), audit.Record{
		Kind:   audit.KindSessionRotated,
		Detail: mustJSON(map[string]string{"session_id": newID}),
	})
	httpx.WriteJSON(w, 200, map[string]string{"session_id": newID})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.Guard.GetInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalServerError(w, "get session", err)
		return
	}
	if info == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, info)
}

func (s *Server) connectionState(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Tracker.Current())
}

func (s *Server) consumeAdmission(w http.ResponseWriter, r *http.Request) {
	policy := chi.URLParam(r, "policy")
	var req struct {
		ChatID string `json:"chat_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	var d ratelimit.Decision
	switch policy {
	case "global":
		d = s.Policies.ConsumeGlobal()
	case "chat_cooldown":
		if req.ChatID == "" {
			httpx.Error(w, 400, "chat_id required")
			return
		}
		d = s.Policies.ConsumeChatCooldown(req.ChatID)
	case "chat_hourly":
		if req.ChatID == "" {
			httpx.Error(w, 400, "chat_id required")
			return
		}
		d = s.Policies.ConsumeChatHourly(req.ChatID)
	case "governance":
		if req.ChatID == "" {
			httpx.Error(w, 400, "chat_id required")
			return
		}
		d = s.Policies.ConsumeGovernance(req.ChatID)
	case "auto_approve":
		if req.ChatID == "" {
			httpx.Error(w, 400, "chat_id required")
			return
		}
		d = s.Policies.ConsumeAutoApprove(req.ChatID)
	default:
		httpx.Error(w, 404, "unknown policy")
		return
	}
	s.Metrics.IncAdmission(policy, d.Allowed)
	if !d.Allowed {
		rejectDecision(w, policy, d)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"allowed":   true,
		"policy":    policy,
		"count":     d.Count,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt,
	})
}

// resendVerdict is the ack-timeout retry path. It re-registers the attempt
// (bumping the counter that bounds retries), re-arms the watch, and
// publishes the resend instruction for the transport adapter.
func (s *Server) resendVerdict(vctx ledger.VerdictContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	prev, err := s.Ledger.GetVerdict(ctx, vctx)
	if err != nil || prev == nil {
		return
	}
	v, err := s.Ledger.RegisterVerdictAttempt(ctx, ledger.VerdictAttempt{
		Keys:             vctx.Keys(),
		URLHash:          vctx.URLHash,
		VerdictMessageID: prev.VerdictMessageID,
	})
	if err != nil {
		return
	}
	s.Watcher.Arm(ctx, vctx, s.resendVerdict)
	s.Metrics.IncVerdictRetry()
	s.Events.Publish(stream.NewEvent(stream.EventVerdictResend, map[string]any{
		"chat_id":    vctx.ChatID,
		"message_id": vctx.MessageID,
		"url_hash":   vctx.URLHash,
		"url":        v.URL,
		"verdict":    v.Verdict,
		"attempt":    v.AttemptCount,
	}))
	s.appendAudit(ctx, audit.Record{
		ChatIDHash:    vctx.ChatID,
		MessageIDHash: vctx.MessageID,
		Kind:          audit.KindVerdictRetry,
		Detail:        mustJSON(map[string]any{"url_hash": vctx.URLHash, "attempt": v.AttemptCount}),
	})
}

func (s *Server) verdictFailed(vctx ledger.VerdictContext, v *ledger.VerdictRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Metrics.IncVerdictFailure()
	s.Metrics.IncVerdictStatus(ledger.StatusFailed)
	s.Events.Publish(stream.NewEvent(stream.EventVerdictFailed, map[string]any{
		"chat_id":    vctx.ChatID,
		"message_id": vctx.MessageID,
		"url_hash":   vctx.URLHash,
		"attempts":   v.AttemptCount,
	}))
	s.appendAudit(ctx, audit.Record{
		ChatIDHash:    vctx.ChatID,
		MessageIDHash: vctx.MessageID,
		Kind:          audit.KindVerdictFailed,
		Detail:        mustJSON(map[string]any{"url_hash": vctx.URLHash, "attempts": v.AttemptCount}),
	})
}

func (s *Server) pairingNotify(out pairing.Outcome) {
	s.Metrics.IncPairingOutcome(out.Kind)
	switch out.Kind {
	case pairing.OutcomeSuccess:
		s.Events.Publish(stream.NewEvent(stream.EventPairingCode, map[string]any{
			"code":    out.Code,
			"attempt": out.Attempt,
		}))
	case pairing.OutcomeRetry:
		s.Events.Publish(stream.NewEvent(stream.EventPairingRetry, map[string]any{
			"attempt":      out.Attempt,
			"delay_sec":    int(out.Delay.Seconds()),
			"rate_limited": out.RateLimited,
		}))
	case pairing.OutcomeForcedRetry:
		s.Events.Publish(stream.NewEvent(stream.EventPairingForced, map[string]any{
			"attempt":   out.Attempt,
			"delay_sec": int(out.Delay.Seconds()),
		}))
	case pairing.OutcomeFallback:
		s.Events.Publish(stream.NewEvent(stream.EventPairingFallback, map[string]any{
			"attempts": out.Attempt,
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.appendAudit(ctx, audit.Record{
			Kind:   audit.KindPairingFallback,
			Detail: mustJSON(map[string]int{"attempts": out.Attempt}),
		})
	}
}

// appendAudit writes best-effort: audit failures never abort the primary
// operation.
func (s *Server) appendAudit(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		logPrintf("sentry audit append: %v", err)
	}
}

// Testable variable for audit logging.
var logPrintf = log.Printf

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
