package ratelimit

import "testing"

func TestAllow_BurstThenBlocked(t *testing.T) {
	l := New(0, 2) // no refill within the test's lifetime
	if !l.Allow("user-1") {
		t.Fatalf("first request should be allowed")
	}
	if !l.Allow("user-1") {
		t.Fatalf("second request should be allowed within burst")
	}
	if l.Allow("user-1") {
		t.Fatalf("third request should be blocked once burst is exhausted")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(0, 1)
	if !l.Allow("user-1") {
		t.Fatalf("user-1's first request should be allowed")
	}
	if !l.Allow("user-2") {
		t.Fatalf("user-2 should have its own bucket, unaffected by user-1")
	}
	if l.Allow("user-1") {
		t.Fatalf("user-1's bucket should already be exhausted")
	}
}

func TestNewPerWindow_MatchesRequestedBurst(t *testing.T) {
	l := NewPerWindow(3, 60)
	for i := 0; i < 3; i++ {
		if !l.Allow("upload") {
			t.Fatalf("request %d within the window's burst should be allowed", i)
		}
	}
	if l.Allow("upload") {
		t.Fatalf("request beyond the window's burst should be blocked")
	}
}
