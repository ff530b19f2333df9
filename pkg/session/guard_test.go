package session

import (
	"context"
	"testing"
	"time"

	"linksentry/pkg/store"
)

func baseFingerprint() Fingerprint {
	return Fingerprint{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		IPAddress: "192.168.1.10",
		Platform:  "linux",
	}
}

func newGuardFixture(t *testing.T) (*Guard, string) {
	t.Helper()
	g := NewGuard(store.NewMemoryKV(), time.Hour, time.Hour)
	info, err := g.RecordCreation(context.Background(), "", baseFingerprint())
	if err != nil {
		t.Fatalf("record creation: %v", err)
	}
	return g, info.SessionID
}

func TestValidateUnmodifiedFingerprint(t *testing.T) {
	g, id := newGuardFixture(t)
	ok, err := g.Validate(context.Background(), id, baseFingerprint())
	if err != nil || !ok {
		t.Fatalf("unmodified fingerprint rejected: ok=%v err=%v", ok, err)
	}
	info, err := g.GetInfo(context.Background(), id)
	if err != nil || info == nil {
		t.Fatalf("get info: %v", err)
	}
	if !info.LastActivity.After(info.CreatedAt) && !info.LastActivity.Equal(info.CreatedAt) {
		t.Fatalf("last activity not refreshed: %+v", info)
	}
}

func TestValidateHardMismatches(t *testing.T) {
	g, id := newGuardFixture(t)
	ctx := context.Background()

	ua := baseFingerprint()
	ua.UserAgent = "curl/8.0"
	if ok, _ := g.Validate(ctx, id, ua); ok {
		t.Fatal("user agent change must disqualify")
	}
	platform := baseFingerprint()
	platform.Platform = "android"
	if ok, _ := g.Validate(ctx, id, platform); ok {
		t.Fatal("platform change must disqualify")
	}
}

func TestValidateIPTolerance(t *testing.T) {
	g, id := newGuardFixture(t)
	ctx := context.Background()

	sameNet := baseFingerprint()
	sameNet.IPAddress = "192.168.1.20"
	if ok, _ := g.Validate(ctx, id, sameNet); !ok {
		t.Fatal("same /24 network must pass")
	}
	crossNet := baseFingerprint()
	crossNet.IPAddress = "10.0.0.5"
	if ok, _ := g.Validate(ctx, id, crossNet); ok {
		t.Fatal("cross-subnet change must disqualify")
	}
}

func TestValidateLooseIPTolerance(t *testing.T) {
	g := NewGuard(store.NewMemoryKV(), time.Hour, time.Hour)
	ctx := context.Background()

	fp := baseFingerprint()
	fp.IPAddress = ""
	info, err := g.RecordCreation(ctx, "", fp)
	if err != nil {
		t.Fatalf("record creation: %v", err)
	}
	candidate := fp
	candidate.IPAddress = "203.0.113.9"
	if ok, _ := g.Validate(ctx, info.SessionID, candidate); !ok {
		t.Fatal("empty recorded IP must not disqualify")
	}

	v6 := baseFingerprint()
	v6.IPAddress = "2001:db8::1"
	info6, err := g.RecordCreation(ctx, "", v6)
	if err != nil {
		t.Fatalf("record creation v6: %v", err)
	}
	cand6 := v6
	cand6.IPAddress = "2001:db8::2"
	if ok, _ := g.Validate(ctx, info6.SessionID, cand6); !ok {
		t.Fatal("non-IPv4 addresses must pass through")
	}
}

func TestValidateUnknownSession(t *testing.T) {
	g, _ := newGuardFixture(t)
	if ok, err := g.Validate(context.Background(), "no-such-session", baseFingerprint()); ok || err != nil {
		t.Fatalf("unknown session: ok=%v err=%v", ok, err)
	}
}

func TestRotateInvalidatesOldSession(t *testing.T) {
	g, id := newGuardFixture(t)
	ctx := context.Background()

	newID, err := g.Rotate(ctx, id, baseFingerprint())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newID == id {
		t.Fatal("rotation must mint a new session id")
	}
	if old, _ := g.GetInfo(ctx, id); old != nil {
		t.Fatalf("old session still resolvable: %+v", old)
	}
	rotated, err := g.GetInfo(ctx, newID)
	if err != nil || rotated == nil {
		t.Fatalf("rotated session missing: %v", err)
	}
	if rotated.Fingerprint != baseFingerprint() {
		t.Fatalf("fingerprint not carried over: %+v", rotated.Fingerprint)
	}

	// Repeated rotations keep minting distinct ids.
	third, err := g.Rotate(ctx, newID, baseFingerprint())
	if err != nil || third == newID || third == id {
		t.Fatalf("repeat rotation: id=%q err=%v", third, err)
	}
}

func TestShouldRotateAgePolicy(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryKV(), time.Hour, 50*time.Millisecond)
	info, err := g.RecordCreation(ctx, "", baseFingerprint())
	if err != nil {
		t.Fatalf("record creation: %v", err)
	}
	if should, _ := g.ShouldRotate(ctx, info.SessionID); should {
		t.Fatal("fresh session must not rotate")
	}
	time.Sleep(60 * time.Millisecond)
	if should, _ := g.ShouldRotate(ctx, info.SessionID); !should {
		t.Fatal("aged session must rotate")
	}
	if should, _ := g.ShouldRotate(ctx, "no-such-session"); should {
		t.Fatal("unknown session must not rotate")
	}
}

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker()
	if tr.Current().Ready() {
		t.Fatal("initial snapshot must not be ready")
	}
	snap := tr.Apply(Transition{Event: EventOpen, BotID: "bot-1", Platform: "web"})
	if !snap.Ready() || snap.BotID != "bot-1" {
		t.Fatalf("open transition: %+v", snap)
	}
	snap = tr.Apply(Transition{Event: EventClose})
	if snap.Connected || !snap.Authenticated {
		t.Fatalf("close transition: %+v", snap)
	}
	snap = tr.Apply(Transition{Event: EventLoggedOut})
	if snap.Authenticated || snap.BotID != "" {
		t.Fatalf("logged out transition: %+v", snap)
	}
}
