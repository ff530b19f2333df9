package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"linksentry/pkg/store"
)

// Ledger tracks message and verdict delivery lifecycle in a TTL-bounded
// key-value store. Lookups for absent records return nil values, never
// errors; only storage I/O failures surface as errors.
type Ledger struct {
	kv        store.KV
	pending   store.TimeSet
	recordTTL time.Duration
	indexTTL  time.Duration
}

func New(kv store.KV, pending store.TimeSet, recordTTL time.Duration) *Ledger {
	if recordTTL <= 0 {
		recordTTL = 7 * 24 * time.Hour
	}
	return &Ledger{
		kv:        kv,
		pending:   pending,
		recordTTL: recordTTL,
		indexTTL:  recordTTL,
	}
}

// MessageSeed carries the identity fields for a message record.
type MessageSeed struct {
	SenderID       string
	Timestamp      int64
	Body           string
	NormalizedURLs []string
	URLHashes      []string
}

func (l *Ledger) load(ctx context.Context, keys MessageKeys) (*MessageRecord, bool, error) {
	raw, ok, err := l.kv.Get(ctx, keys.storageKey())
	if err != nil || !ok {
		return nil, false, err
	}
	var rec MessageRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode message record: %w", err)
	}
	if rec.Verdicts == nil {
		rec.Verdicts = map[string]*VerdictRecord{}
	}
	return &rec, true, nil
}

func (l *Ledger) save(ctx context.Context, keys MessageKeys, rec *MessageRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode message record: %w", err)
	}
	return l.kv.Set(ctx, keys.storageKey(), string(raw), l.recordTTL)
}

func newRecord(seed MessageSeed, now time.Time) *MessageRecord {
	return &MessageRecord{
		SenderID:       seed.SenderID,
		SenderIDHash:   NormalizeID(seed.SenderID),
		Timestamp:      seed.Timestamp,
		Body:           seed.Body,
		NormalizedURLs: append([]string(nil), seed.NormalizedURLs...),
		URLHashes:      append([]string(nil), seed.URLHashes...),
		CreatedAt:      now,
		Verdicts:       map[string]*VerdictRecord{},
	}
}

// EnsureRecord returns the existing record unmodified, or creates one from
// the seed. Repeat calls never clobber identity fields; callers that need
// to update a record use RecordMessageCreate or the append operations.
func (l *Ledger) EnsureRecord(ctx context.Context, keys MessageKeys, seed MessageSeed) (*MessageRecord, bool, error) {
	rec, ok, err := l.load(ctx, keys)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return rec, false, nil
	}
	rec = newRecord(seed, time.Now().UTC())
	if err := l.save(ctx, keys, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// RecordMessageCreate creates or explicitly overwrites the identity fields
// of a message record. Histories and verdicts on an existing record are
// preserved.
func (l *Ledger) RecordMessageCreate(ctx context.Context, keys MessageKeys, seed MessageSeed) (*MessageRecord, error) {
	rec, ok, err := l.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec = newRecord(seed, time.Now().UTC())
	} else {
		rec.SenderID = seed.SenderID
		rec.SenderIDHash = NormalizeID(seed.SenderID)
		rec.Timestamp = seed.Timestamp
		rec.Body = seed.Body
		rec.NormalizedURLs = append([]string(nil), seed.NormalizedURLs...)
		rec.URLHashes = append([]string(nil), seed.URLHashes...)
	}
	if err := l.save(ctx, keys, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord returns nil when the record is absent or expired.
func (l *Ledger) GetRecord(ctx context.Context, keys MessageKeys) (*MessageRecord, error) {
	rec, _, err := l.load(ctx, keys)
	return rec, err
}

// AppendEdit records a message edit. Returns false when the record is
// unknown.
func (l *Ledger) AppendEdit(ctx context.Context, keys MessageKeys, body string, at time.Time) (bool, error) {
	rec, ok, err := l.load(ctx, keys)
	if err != nil || !ok {
		return false, err
	}
	rec.Edits = append(rec.Edits, Edit{Body: body, At: at.UTC()})
	if len(rec.Edits) > MaxEdits {
		rec.Edits = rec.Edits[len(rec.Edits)-MaxEdits:]
	}
	return true, l.save(ctx, keys, rec)
}

// AppendReaction records a reaction observation.
func (l *Ledger) AppendReaction(ctx context.Context, keys MessageKeys, emoji, senderID string, at time.Time) (bool, error) {
	rec, ok, err := l.load(ctx, keys)
	if err != nil || !ok {
		return false, err
	}
	rec.Reactions = append(rec.Reactions, Reaction{Emoji: emoji, SenderIDHash: NormalizeID(senderID), At: at.UTC()})
	if len(rec.Reactions) > MaxReactions {
		rec.Reactions = rec.Reactions[len(rec.Reactions)-MaxReactions:]
	}
	return true, l.save(ctx, keys, rec)
}

// AppendRevocation records a revocation observation.
func (l *Ledger) AppendRevocation(ctx context.Context, keys MessageKeys, byID string, at time.Time) (bool, error) {
	rec, ok, err := l.load(ctx, keys)
	if err != nil || !ok {
		return false, err
	}
	rev := Revocation{At: at.UTC()}
	if byID != "" {
		rev.ByIDHash = NormalizeID(byID)
	}
	rec.Revocations = append(rec.Revocations, rev)
	if len(rec.Revocations) > MaxRevocations {
		rec.Revocations = rec.Revocations[len(rec.Revocations)-MaxRevocations:]
	}
	return true, l.save(ctx, keys, rec)
}

// VerdictAttempt is the payload for one outbound verdict send.
type VerdictAttempt struct {
	Keys              MessageKeys
	URL               string
	URLHash           string
	Verdict           string
	Reasons           []string
	VerdictMessageID  string
	Ack               *int
	RedirectChain     []string
	Shortener         string
	DegradedProviders []string
}

// Context returns the verdict context the attempt addresses. Contexts
// always carry normalized identifiers so they compare equal after a round
// trip through the pending-ack index.
func (a VerdictAttempt) Context() VerdictContext {
	hash := a.URLHash
	if hash == "" {
		hash = HashURL(a.URL)
	}
	return VerdictContext{
		ChatID:    NormalizeID(a.Keys.ChatID),
		MessageID: NormalizeID(a.Keys.MessageID),
		URLHash:   hash,
	}
}

// RegisterVerdictAttempt upserts the owning record, increments the attempt
// counter (first registration counts as attempt 1), marks the verdict
// sent, and publishes the verdict-message-id index so a later ack event
// resolves back to its context in O(1).
func (l *Ledger) RegisterVerdictAttempt(ctx context.Context, att VerdictAttempt) (*VerdictRecord, error) {
	rec, ok, err := l.load(ctx, att.Keys)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !ok {
		rec = newRecord(MessageSeed{}, now)
	}
	vctx := att.Context()
	v := rec.Verdicts[vctx.URLHash]
	if v == nil {
		v = &VerdictRecord{URL: att.URL, Status: StatusPending}
		rec.Verdicts[vctx.URLHash] = v
	}
	v.AttemptCount++
	v.Status = StatusSent
	if att.Verdict != "" {
		v.Verdict = att.Verdict
	}
	if len(att.Reasons) > 0 {
		v.Reasons = append([]string(nil), att.Reasons...)
	}
	if len(att.RedirectChain) > 0 {
		v.RedirectChain = append([]string(nil), att.RedirectChain...)
	}
	if att.Shortener != "" {
		v.Shortener = att.Shortener
	}
	if len(att.DegradedProviders) > 0 {
		v.DegradedProviders = append([]string(nil), att.DegradedProviders...)
	}
	if att.VerdictMessageID != "" {
		v.VerdictMessageID = att.VerdictMessageID
	}
	if att.Ack != nil {
		appendAck(v, *att.Ack, now)
	}
	if err := l.save(ctx, att.Keys, rec); err != nil {
		return nil, err
	}
	if att.VerdictMessageID != "" {
		if err := l.kv.Set(ctx, verdictIndexKey(att.VerdictMessageID), vctx.Encode(), l.indexTTL); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func verdictIndexKey(verdictMessageID string) string {
	return "vmid:" + NormalizeID(verdictMessageID)
}

func appendAck(v *VerdictRecord, ack int, at time.Time) {
	a := ack
	v.Ack = &a
	v.AckHistory = append(v.AckHistory, AckEntry{Ack: ack, At: at})
	if len(v.AckHistory) > MaxAckHistory {
		v.AckHistory = v.AckHistory[len(v.AckHistory)-MaxAckHistory:]
	}
}

// GetVerdict returns nil when the record or verdict is absent.
func (l *Ledger) GetVerdict(ctx context.Context, vctx VerdictContext) (*VerdictRecord, error) {
	rec, ok, err := l.load(ctx, vctx.Keys())
	if err != nil || !ok {
		return nil, err
	}
	return rec.Verdicts[vctx.URLHash], nil
}

// UpdateVerdictAck appends an acknowledgment observation. Returns nil when
// the verdict is unknown.
func (l *Ledger) UpdateVerdictAck(ctx context.Context, vctx VerdictContext, ack int, now time.Time) (*VerdictRecord, error) {
	rec, ok, err := l.load(ctx, vctx.Keys())
	if err != nil || !ok {
		return nil, err
	}
	v := rec.Verdicts[vctx.URLHash]
	if v == nil {
		return nil, nil
	}
	appendAck(v, ack, now.UTC())
	if err := l.save(ctx, vctx.Keys(), rec); err != nil {
		return nil, err
	}
	return v, nil
}

// MarkVerdictStatus applies a status transition. Returns false when the
// verdict is unknown or the transition is not allowed.
func (l *Ledger) MarkVerdictStatus(ctx context.Context, vctx VerdictContext, status string) (bool, error) {
	rec, ok, err := l.load(ctx, vctx.Keys())
	if err != nil || !ok {
		return false, err
	}
	v := rec.Verdicts[vctx.URLHash]
	if v == nil || !CanTransition(v.Status, status) {
		return false, nil
	}
	v.Status = status
	return true, l.save(ctx, vctx.Keys(), rec)
}

// ResolveVerdictMessageID maps an outbound reply's own message id back to
// its verdict context.
func (l *Ledger) ResolveVerdictMessageID(ctx context.Context, verdictMessageID string) (VerdictContext, bool, error) {
	raw, ok, err := l.kv.Get(ctx, verdictIndexKey(verdictMessageID))
	if err != nil || !ok {
		return VerdictContext{}, false, err
	}
	vctx, err := DecodeContext(raw)
	if err != nil {
		return VerdictContext{}, false, err
	}
	return vctx, true, nil
}

// PriorVerdictMessageID returns the reply id of the verdict already
// delivered for this context, so a caller sending a stricter correction
// can retract the earlier benign reply. The ledger itself never rewrites a
// delivered verdict's text.
func (l *Ledger) PriorVerdictMessageID(ctx context.Context, vctx VerdictContext) (string, error) {
	v, err := l.GetVerdict(ctx, vctx)
	if err != nil || v == nil {
		return "", err
	}
	return v.VerdictMessageID, nil
}

// AddPendingAck registers the context in the time-ordered outstanding set.
func (l *Ledger) AddPendingAck(ctx context.Context, vctx VerdictContext, at time.Time) error {
	return l.pending.Add(ctx, vctx.Encode(), at)
}

// RemovePendingAck drops the context from the outstanding set.
func (l *Ledger) RemovePendingAck(ctx context.Context, vctx VerdictContext) error {
	return l.pending.Remove(ctx, vctx.Encode())
}

// ListPendingAckContexts returns up to limit outstanding contexts, oldest
// first. Non-positive limits yield an empty slice. Entries that fail to
// decode are dropped from the index rather than propagated.
func (l *Ledger) ListPendingAckContexts(ctx context.Context, limit int) ([]VerdictContext, error) {
	members, err := l.pending.Range(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]VerdictContext, 0, len(members))
	for _, m := range members {
		vctx, err := DecodeContext(m)
		if err != nil {
			_ = l.pending.Remove(ctx, m)
			continue
		}
		out = append(out, vctx)
	}
	return out, nil
}
