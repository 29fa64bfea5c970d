package ratelimit

import "testing"

func TestBurstThenRefuse(t *testing.T) {
	l := New(2, 5)
	for i := 0; i < 5; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("request beyond burst should be refused")
	}
}

func TestIndependentKeys(t *testing.T) {
	l := New(2, 1)
	if !l.Allow("a") {
		t.Fatal("first request for a should be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("first request for b should be allowed, independent bucket")
	}
}
