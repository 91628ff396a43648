package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, "", time.Minute), m
}

func TestRedisDeduperAddRemove(t *testing.T) {
	deduper, m := newTestDeduper(t)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	if !m.Exists("tasklist:idem:user:k1") {
		t.Fatalf("key not namespaced: %v", m.Keys())
	}
	if added, _ := deduper.Add(ctx, "user", "k1"); added {
		t.Fatal("duplicate key added")
	}
	if added, _ := deduper.Add(ctx, "other", "k1"); !added {
		t.Fatal("keys of another user collide")
	}
	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := deduper.Add(ctx, "user", "k1"); !added {
		t.Fatal("removed key still recorded")
	}
	if ttl := m.TTL("tasklist:idem:user:k1"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func postWithKey(e *echo.Echo, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderIdempotencyKey, key)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAddTaskIdempotencyKey(t *testing.T) {
	deduper, m := newTestDeduper(t)
	e, ts := newTestServer(t, Options{Deduper: deduper})

	if rec := postWithKey(e, `{"content":"Buy milk"}`, "k1"); rec.Code != http.StatusOK {
		t.Fatalf("first add status = %d", rec.Code)
	}
	rec := postWithKey(e, `{"content":"Buy milk"}`, "k1")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rec.Code)
	}
	if state := decodeState(t, rec); len(state.Tasks) != 1 {
		t.Fatalf("retry added a task: %#v", state.Tasks)
	}
	if got := len(ts.Data()); got != 1 {
		t.Fatalf("store holds %d tasks", got)
	}

	if rec := postWithKey(e, `{"content":"  "}`, "k2"); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty add status = %d", rec.Code)
	}
	if m.Exists("tasklist:idem:local:k2") {
		t.Fatal("key of a failed creation kept")
	}
}
