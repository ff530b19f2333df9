package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"linksentry/pkg/store"
)

// Fingerprint identifies the device side of a session. A change in user
// agent or platform is a hard mismatch; the IP address is compared with
// /24 tolerance.
type Fingerprint struct {
	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`
	Platform  string `json:"platform"`
}

// Info is one session record.
type Info struct {
	SessionID    string      `json:"session_id"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
}

// Guard validates session fingerprints against recorded state and rotates
// sessions suspected of hijack.
type Guard struct {
	kv          store.KV
	ttl         time.Duration
	rotateAfter time.Duration
}

func NewGuard(kv store.KV, ttl, rotateAfter time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if rotateAfter <= 0 {
		rotateAfter = 7 * 24 * time.Hour
	}
	return &Guard{kv: kv, ttl: ttl, rotateAfter: rotateAfter}
}

func sessionKey(id string) string { return "sess:" + id }

// RecordCreation stores a new session. An empty id gets a generated one.
func (g *Guard) RecordCreation(ctx context.Context, id string, fp Fingerprint) (*Info, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	info := &Info{SessionID: id, Fingerprint: fp, CreatedAt: now, LastActivity: now}
	if err := g.save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (g *Guard) save(ctx context.Context, info *Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return g.kv.Set(ctx, sessionKey(info.SessionID), string(raw), g.ttl)
}

// GetInfo returns nil for an unknown or expired session id.
func (g *Guard) GetInfo(ctx context.Context, id string) (*Info, error) {
	raw, ok, err := g.kv.Get(ctx, sessionKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &info, nil
}

// Validate checks a candidate fingerprint against the recorded one and
// refreshes last activity on success. User agent and platform mismatches
// disqualify outright; IP changes are tolerated within the same /24
// network. Empty or non-IPv4 addresses pass through — a deliberately
// loose tolerance, kept as-is rather than silently tightened.
func (g *Guard) Validate(ctx context.Context, id string, candidate Fingerprint) (bool, error) {
	info, err := g.GetInfo(ctx, id)
	if err != nil || info == nil {
		return false, err
	}
	if candidate.UserAgent != info.Fingerprint.UserAgent {
		return false, nil
	}
	if candidate.Platform != info.Fingerprint.Platform {
		return false, nil
	}
	if !ipCompatible(info.Fingerprint.IPAddress, candidate.IPAddress) {
		return false, nil
	}
	info.LastActivity = time.Now().UTC()
	if err := g.save(ctx, info); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate removes a session record.
func (g *Guard) Invalidate(ctx context.Context, id string) error {
	return g.kv.Del(ctx, sessionKey(id))
}

// Rotate invalidates the old session and binds a new one to the same
// fingerprint. The old id is unusable as soon as Rotate returns.
func (g *Guard) Rotate(ctx context.Context, oldID string, fp Fingerprint) (string, error) {
	newID := uuid.NewString()
	now := time.Now().UTC()
	info := &Info{SessionID: newID, Fingerprint: fp, CreatedAt: now, LastActivity: now}
	if err := g.save(ctx, info); err != nil {
		return "", err
	}
	if err := g.kv.Del(ctx, sessionKey(oldID)); err != nil {
		return "", err
	}
	return newID, nil
}

// ShouldRotate is the age-based rotation policy. A fresh session always
// answers false, as does an unknown id.
func (g *Guard) ShouldRotate(ctx context.Context, id string) (bool, error) {
	info, err := g.GetInfo(ctx, id)
	if err != nil || info == nil {
		return false, err
	}
	return time.Since(info.CreatedAt) >= g.rotateAfter, nil
}

// ipCompatible applies the /24 rule on the first three IPv4 octets.
func ipCompatible(recorded, candidate string) bool {
	if recorded == candidate {
		return true
	}
	recOctets, recOK := ipv4Octets(recorded)
	candOctets, candOK := ipv4Octets(candidate)
	if !recOK || !candOK {
		return true
	}
	return recOctets[0] == candOctets[0] && recOctets[1] == candOctets[1] && recOctets[2] == candOctets[2]
}

func ipv4Octets(addr string) ([4]int, bool) {
	var octets [4]int
	parts := strings.Split(strings.TrimSpace(addr), ".")
	if len(parts) != 4 {
		return octets, false
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return octets, false
		}
		octets[i] = n
	}
	return octets, true
}
