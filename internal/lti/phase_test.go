package lti

import (
	"context"
	"testing"
	"time"
)

func TestPhase_Transitions(t *testing.T) {
	legal := [][2]Phase{
		{PhaseIdle, PhaseInitiated},
		{PhaseInitiated, PhaseAwaitingCallback},
		{PhaseInitiated, PhaseRejected},
		{PhaseAwaitingCallback, PhaseVerified},
		{PhaseAwaitingCallback, PhaseRejected},
		{PhaseVerified, PhaseCompleted},
	}
	for _, tr := range legal {
		if got, err := tr[0].To(tr[1]); err != nil || got != tr[1] {
			t.Errorf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}

	illegal := [][2]Phase{
		{PhaseIdle, PhaseVerified},
		{PhaseIdle, PhaseRejected},
		{PhaseVerified, PhaseRejected},
		{PhaseCompleted, PhaseIdle},
		{PhaseRejected, PhaseAwaitingCallback},
	}
	for _, tr := range illegal {
		if got, err := tr[0].To(tr[1]); err == nil || got != tr[0] {
			t.Errorf("%s -> %s should fail", tr[0], tr[1])
		}
	}
	if !PhaseCompleted.Terminal() || !PhaseRejected.Terminal() || PhaseVerified.Terminal() {
		t.Error("terminal phases wrong")
	}
}

func TestClaims_Projection(t *testing.T) {
	c := Claims{
		"sub":         "u1",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		ClaimRoles:    []any{"a", 3, "b"},
		ClaimContext:  map[string]any{"id": "c", "label": "L"},
	}
	id := c.Identity()
	if id.Name != "Ada Lovelace" {
		t.Errorf("name = %q", id.Name)
	}
	if len(id.Roles) != 2 || id.Roles[1] != "b" {
		t.Errorf("roles = %v", id.Roles)
	}
	if id.Context.ID != "c" || id.Context.Title != "" {
		t.Errorf("context = %+v", id.Context)
	}
	if id.LIS != (LIS{}) {
		t.Errorf("lis = %+v", id.LIS)
	}
}

func TestMemoryReplay(t *testing.T) {
	m := NewMemoryReplay(2)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Use(ctx, "nonce", "n1", time.Minute); !ok {
		t.Fatal("first use rejected")
	}
	if ok, _ := m.Use(ctx, "NONCE", "n1", time.Minute); ok {
		t.Fatal("reuse accepted")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := m.Use(ctx, "nonce", "n1", time.Minute); !ok {
		t.Fatal("expired entry still blocks")
	}
	if _, err := m.Use(ctx, "nonce", " ", time.Minute); err == nil {
		t.Fatal("blank value accepted")
	}
}
