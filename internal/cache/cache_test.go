package cache

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"github.com/kolscope/kolscope/internal/models"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	c := NewWithPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestChannelRoundTrip(t *testing.T) {
	c, _ := testCache(t)

	if _, ok := c.GetChannel("UCabc"); ok {
		t.Fatal("expected miss before write")
	}

	c.SetChannel(&models.Channel{
		ChannelID:       "UCabc",
		Title:           "Test Channel",
		SubscriberCount: 5000,
	})

	got, ok := c.GetChannel("UCabc")
	if !ok {
		t.Fatal("expected hit after write")
	}
	if got.Title != "Test Channel" || got.SubscriberCount != 5000 {
		t.Fatalf("got %+v", got)
	}
}

func TestVideoSampleExpires(t *testing.T) {
	c, mr := testCache(t)

	sample := []models.Video{{VideoID: "v1", Title: "First", ViewCount: 100}}
	c.SetVideoSample("UCabc", sample)

	got, ok := c.GetVideoSample("UCabc")
	if !ok || len(got) != 1 || got[0].VideoID != "v1" {
		t.Fatalf("sample = %v, ok = %v", got, ok)
	}

	// Samples carry a TTL so stale engagement numbers age out; channel
	// attributes do not.
	if ttl := mr.TTL(sampleKeyPrefix + "UCabc"); ttl != defaultSampleTTL {
		t.Fatalf("sample TTL = %v, want %v", ttl, defaultSampleTTL)
	}

	mr.FastForward(defaultSampleTTL + time.Minute)
	if _, ok := c.GetVideoSample("UCabc"); ok {
		t.Fatal("expected sample to expire")
	}
}

func TestInvalidateDropsBothEntries(t *testing.T) {
	c, _ := testCache(t)

	c.SetChannel(&models.Channel{ChannelID: "UCabc", Title: "Test"})
	c.SetVideoSample("UCabc", []models.Video{{VideoID: "v1"}})

	c.Invalidate("UCabc")

	if _, ok := c.GetChannel("UCabc"); ok {
		t.Fatal("channel entry survived invalidation")
	}
	if _, ok := c.GetVideoSample("UCabc"); ok {
		t.Fatal("sample entry survived invalidation")
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	c, mr := testCache(t)

	mr.Set(channelKeyPrefix+"UCabc", "not json")

	if _, ok := c.GetChannel("UCabc"); ok {
		t.Fatal("expected corrupt entry to read as a miss")
	}
	if mr.Exists(channelKeyPrefix + "UCabc") {
		t.Fatal("expected corrupt entry to be deleted")
	}
}

func TestUnreachableServerDegradesToMiss(t *testing.T) {
	c, mr := testCache(t)
	mr.Close()

	c.SetChannel(&models.Channel{ChannelID: "UCabc"})
	if _, ok := c.GetChannel("UCabc"); ok {
		t.Fatal("expected miss when the server is down")
	}
	if err := c.Ping(); err == nil {
		t.Fatal("expected ping failure")
	}
}
