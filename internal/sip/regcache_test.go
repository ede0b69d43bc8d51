package sip

import (
	"testing"
	"time"
)

func TestRegistrationCache_PutGet(t *testing.T) {
	c := NewRegistrationCache(time.Minute)

	rec := Registration{
		Username:     "gw1",
		Host:         "sip.example.com",
		Expires:      3480,
		RegisteredOn: time.Now().UnixMilli(),
	}
	c.Put("sip:gw1@sip.example.com", rec)

	got := c.GetIfPresent("sip:gw1@sip.example.com")
	if got == nil {
		t.Fatal("GetIfPresent returned nil after Put")
	}
	if got.Username != "gw1" || got.Host != "sip.example.com" {
		t.Errorf("got %+v, want username gw1 host sip.example.com", got)
	}

	if c.GetIfPresent("sip:other@sip.example.com") != nil {
		t.Error("GetIfPresent for unknown uri should return nil")
	}
}

func TestRegistrationCache_WriteExpiry(t *testing.T) {
	c := NewRegistrationCache(20 * time.Millisecond)

	c.Put("sip:gw1@host", Registration{
		Expires:      3600,
		RegisteredOn: time.Now().UnixMilli(),
	})

	if c.GetIfPresent("sip:gw1@host") == nil {
		t.Fatal("entry should be visible right after Put")
	}

	time.Sleep(30 * time.Millisecond)

	// The record's logical lifetime is far from over, but the write-expiry
	// evicts it regardless.
	if c.GetIfPresent("sip:gw1@host") != nil {
		t.Error("entry should be gone after write-expiry")
	}
	if !c.IsExpired("sip:gw1@host") {
		t.Error("IsExpired should be true for an evicted entry")
	}
}

func TestRegistrationCache_IsExpired(t *testing.T) {
	c := NewRegistrationCache(time.Minute)

	if !c.IsExpired("sip:absent@host") {
		t.Error("IsExpired should be true for an absent entry")
	}

	c.Put("sip:live@host", Registration{
		Expires:      3600,
		RegisteredOn: time.Now().UnixMilli(),
	})
	if c.IsExpired("sip:live@host") {
		t.Error("IsExpired should be false for a fresh entry")
	}

	// A record whose lifetime has already elapsed reads as expired even
	// though it is still present in the cache.
	c.Put("sip:stale@host", Registration{
		Expires:      10,
		RegisteredOn: time.Now().Add(-11 * time.Second).UnixMilli(),
	})
	if !c.IsExpired("sip:stale@host") {
		t.Error("IsExpired should be true when the record's lifetime elapsed")
	}
	if c.GetIfPresent("sip:stale@host") == nil {
		t.Error("logically expired entry should still be readable before write-expiry")
	}
}

func TestRegistrationCache_NonPositiveExpires(t *testing.T) {
	c := NewRegistrationCache(time.Minute)

	// A non-positive effective lifetime is stored but reads as already
	// expired, forcing a refresh on the next pass.
	c.Put("sip:short@host", Registration{
		Expires:      -60,
		RegisteredOn: time.Now().UnixMilli(),
	})

	if c.GetIfPresent("sip:short@host") == nil {
		t.Error("record with non-positive lifetime should still be stored")
	}
	if !c.IsExpired("sip:short@host") {
		t.Error("record with non-positive lifetime should read as expired")
	}
}

func TestRegistrationCache_Invalidate(t *testing.T) {
	c := NewRegistrationCache(time.Minute)

	c.Put("sip:gw1@host", Registration{Expires: 3600, RegisteredOn: time.Now().UnixMilli()})
	c.Invalidate("sip:gw1@host")

	if c.GetIfPresent("sip:gw1@host") != nil {
		t.Error("entry should be gone after Invalidate")
	}

	// Invalidating an absent entry is a no-op.
	c.Invalidate("sip:never@host")
}

func TestRegistrationCache_Snapshot(t *testing.T) {
	c := NewRegistrationCache(time.Minute)

	c.Put("sip:a@host", Registration{Username: "a", Expires: 3600, RegisteredOn: time.Now().UnixMilli()})
	c.Put("sip:b@host", Registration{Username: "b", Expires: 3600, RegisteredOn: time.Now().UnixMilli()})

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot returned %d records, want 2", len(snap))
	}
	for _, rec := range snap {
		if rec.RegisteredAgo == "" {
			t.Errorf("record %s has empty RegisteredAgo", rec.Username)
		}
	}
}

func TestRegistrationCache_EvictExpired(t *testing.T) {
	c := NewRegistrationCache(20 * time.Millisecond)

	c.Put("sip:old@host", Registration{Expires: 3600, RegisteredOn: time.Now().UnixMilli()})
	time.Sleep(30 * time.Millisecond)
	c.Put("sip:new@host", Registration{Expires: 3600, RegisteredOn: time.Now().UnixMilli()})

	c.evictExpired()

	c.mu.RLock()
	_, oldPresent := c.entries["sip:old@host"]
	_, newPresent := c.entries["sip:new@host"]
	c.mu.RUnlock()

	if oldPresent {
		t.Error("write-expired entry should be reaped")
	}
	if !newPresent {
		t.Error("fresh entry should survive reaping")
	}
}
