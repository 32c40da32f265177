package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo    int // number of times to fail GeoAdd before succeeding
	failH      int // number of times to fail HSet before succeeding
	geoCalls   int
	hCalls     int
	trailCalls int
	lastKey    string
	lastMeta   map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey, f.lastMeta = key, values
	return nil
}

func (f *fakeUpdater) Trail(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) error {
	f.trailCalls++
	return nil
}

func sampleEvent() ingest.SampleEvent {
	speed := 8.5
	return ingest.SampleEvent{
		BookingID: "b1",
		Status:    models.StatusOnTheWay,
		Sample:    models.Sample{Lat: 1, Lon: 2, Speed: &speed, Timestamp: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)},
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	p := &projector{rc: f, positionKey: "booking_positions", trailLength: 10}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), p, sampleEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastKey != "booking:position:b1" {
		t.Fatalf("unexpected meta key %q", f.lastKey)
	}
	if f.lastMeta["status"] != "ON_THE_WAY" || f.lastMeta["updated"] != "2026-01-01T08:00:00Z" {
		t.Fatalf("unexpected meta %v", f.lastMeta)
	}
	if f.trailCalls != 1 {
		t.Fatalf("expected one trail append, got %d", f.trailCalls)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	p := &projector{rc: f, positionKey: "booking_positions"}
	if err := updateRedisWithRetry(context.Background(), p, sampleEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestProjectorSkipsTrailWhenDisabled(t *testing.T) {
	f := &fakeUpdater{}
	p := &projector{rc: f, positionKey: "booking_positions"}
	if err := p.apply(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.trailCalls != 0 {
		t.Fatalf("trail written although disabled")
	}
}

func TestDecodeEvent(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"booking_id":"b1","status":"IN_PROGRESS","sample":{"lat":52.5,"lng":13.4}}`)); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	for _, raw := range []string{`not json`, `{"sample":{"lat":1,"lng":1}}`, `{"booking_id":"b1","sample":{"lat":91,"lng":0}}`} {
		if _, err := decodeEvent([]byte(raw)); err == nil {
			t.Fatalf("expected %s to be rejected", raw)
		}
	}
}
