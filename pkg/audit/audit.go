package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Delivery audit event kinds.
const (
	KindVerdictSent      = "verdict_sent"
	KindVerdictRetry     = "verdict_retry"
	KindVerdictFailed    = "verdict_failed"
	KindVerdictRetracted = "verdict_retracted"
	KindAckReceived      = "ack_received"
	KindMessageRevoked   = "message_revoked"
	KindSessionRotated   = "session_rotated"
	KindPairingFallback  = "pairing_fallback"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends delivery events to the durable audit table. The hot
// path lives in the key-value ledger; this trail is for after-the-fact
// review and survives ledger TTL expiry.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EventID       string
	ChatIDHash    string
	MessageIDHash string
	Kind          string
	Detail        json.RawMessage
	CreatedAt     time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO delivery_audit
		(event_id, chat_id_hash, message_id_hash, kind, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.EventID, rec.ChatIDHash, rec.MessageIDHash, rec.Kind, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT event_id, chat_id_hash, message_id_hash, kind, detail, created_at
		FROM delivery_audit WHERE event_id=$1
	`, eventID)
	var detail json.RawMessage
	if err := row.Scan(&rec.EventID, &rec.ChatIDHash, &rec.MessageIDHash, &rec.Kind, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}

// ListByMessage returns the trail for one tracked message, oldest first.
func (w *Writer) ListByMessage(ctx context.Context, chatIDHash, messageIDHash string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, chat_id_hash, message_id_hash, kind, detail, created_at
		FROM delivery_audit WHERE chat_id_hash=$1 AND message_id_hash=$2
		ORDER BY created_at ASC LIMIT $3
	`, chatIDHash, messageIDHash, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var detail json.RawMessage
		if err := rows.Scan(&rec.EventID, &rec.ChatIDHash, &rec.MessageIDHash, &rec.Kind, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Detail = detail
		out = append(out, rec)
	}
	return out, rows.Err()
}
