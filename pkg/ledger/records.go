package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// History caps. Appends trim from the front so the oldest entries are
// dropped first.
const (
	MaxEdits       = 20
	MaxReactions   = 25
	MaxRevocations = 10
	MaxAckHistory  = 20
)

// MessageKeys addresses one message. Identifiers may arrive raw or already
// hashed; NormalizeID makes them storage-safe either way, so raw chat and
// message ids never appear as store keys.
type MessageKeys struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (k MessageKeys) storageKey() string {
	return "msg:" + NormalizeID(k.ChatID) + ":" + NormalizeID(k.MessageID)
}

// NormalizeID returns the identifier's one-way hash. An identifier that
// already looks like a sha256 hex digest is passed through unchanged.
func NormalizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) == 64 && isLowerHex(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Edit is one message edit observation.
type Edit struct {
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

// Reaction is one reaction observation.
type Reaction struct {
	Emoji        string    `json:"emoji"`
	SenderIDHash string    `json:"sender_id_hash"`
	At           time.Time `json:"at"`
}

// Revocation is one message revocation observation.
type Revocation struct {
	ByIDHash string    `json:"by_id_hash,omitempty"`
	At       time.Time `json:"at"`
}

// AckEntry is one transport-reported acknowledgment level.
type AckEntry struct {
	Ack int       `json:"ack"`
	At  time.Time `json:"at"`
}

// VerdictRecord tracks the delivery lifecycle of one verdict reply for one
// URL inside one message.
type VerdictRecord struct {
	URL               string     `json:"url"`
	Verdict           string     `json:"verdict"`
	Reasons           []string   `json:"reasons,omitempty"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	VerdictMessageID  string     `json:"verdict_message_id,omitempty"`
	Ack               *int       `json:"ack,omitempty"`
	AckHistory        []AckEntry `json:"ack_history,omitempty"`
	RedirectChain     []string   `json:"redirect_chain,omitempty"`
	Shortener         string     `json:"shortener,omitempty"`
	DegradedProviders []string   `json:"degraded_providers,omitempty"`
}

// MessageRecord is the durable, TTL-bounded record for one inbound
// message. Identity fields are written once; histories are append-only
// with FIFO caps.
type MessageRecord struct {
	SenderID       string                    `json:"sender_id,omitempty"`
	SenderIDHash   string                    `json:"sender_id_hash,omitempty"`
	Timestamp      int64                     `json:"timestamp,omitempty"`
	Body           string                    `json:"body,omitempty"`
	NormalizedURLs []string                  `json:"normalized_urls,omitempty"`
	URLHashes      []string                  `json:"url_hashes,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	Edits          []Edit                    `json:"edits,omitempty"`
	Reactions      []Reaction                `json:"reactions,omitempty"`
	Revocations    []Revocation              `json:"revocations,omitempty"`
	Verdicts       map[string]*VerdictRecord `json:"verdicts"`
}

// VerdictContext is the stable key correlating an outbound reply with its
// ledger entry. Its encoding is the member stored in the pending-ack index.
type VerdictContext struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	URLHash   string `json:"url_hash"`
}

func (c VerdictContext) Keys() MessageKeys {
	return MessageKeys{ChatID: c.ChatID, MessageID: c.MessageID}
}

// Encode renders the context as the pending-ack index member. All three
// parts are hashes by the time they reach here, so "|" cannot collide.
func (c VerdictContext) Encode() string {
	return NormalizeID(c.ChatID) + "|" + NormalizeID(c.MessageID) + "|" + c.URLHash
}

func DecodeContext(encoded string) (VerdictContext, error) {
	parts := strings.Split(encoded, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return VerdictContext{}, fmt.Errorf("malformed verdict context %q", encoded)
	}
	return VerdictContext{ChatID: parts[0], MessageID: parts[1], URLHash: parts[2]}, nil
}

// HashURL derives the url hash used as the verdict map key.
func HashURL(normalizedURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(normalizedURL)))
	return hex.EncodeToString(sum[:])
}
