package api

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestBuckets_sweepDropsIdleKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newBuckets(ctx, rate.Limit(1), 1)

	if !b.allow("sub:alice") {
		t.Fatal("first request should pass")
	}
	if b.allow("sub:alice") {
		t.Error("second request should exceed the burst")
	}
	if !b.allow("sub:bob") {
		t.Error("bob should get a separate bucket")
	}

	b.sweep(time.Now().Add(bucketIdle + time.Second))
	if len(b.byID) != 0 {
		t.Errorf("%d buckets left after sweep, want 0", len(b.byID))
	}
	if !b.allow("sub:alice") {
		t.Error("a swept key starts with a full bucket")
	}
}
