package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fields stripped from audit detail payloads when redaction is on. The
// raw URL and chat identifiers never reach durable storage; their
// salted hashes are enough to correlate events.
var sensitiveDetailFields = map[string]string{
	"url":     "url_hash",
	"chat_id": "chat_id_hash",
	"text":    "text_hash",
}

func redactRecord(rec Record, salt []byte) Record {
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var detail map[string]interface{}
	if err := json.Unmarshal(raw, &detail); err != nil {
		payload := map[string]interface{}{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	for field, replacement := range sensitiveDetailFields {
		val, present := detail[field]
		if !present {
			continue
		}
		delete(detail, field)
		if s, ok := val.(string); ok {
			detail[replacement] = hashString(s, salt)
		} else {
			encoded, err := json.Marshal(val)
			if err != nil {
				continue
			}
			detail[replacement] = hashBytes(encoded, salt)
		}
	}
	b, _ := json.Marshal(detail)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
