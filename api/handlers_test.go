package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/randyvpcode/task-manager/storage"
	"github.com/randyvpcode/task-manager/taskstore"
	"github.com/randyvpcode/task-manager/view"
)

func newTestServer(t *testing.T, opts Options) (*echo.Echo, *taskstore.TaskStore) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ts := taskstore.New(taskstore.Config{Name: "tasks"}, storage.Options{
		DataDir:      t.TempDir(),
		PullInterval: -1,
		Logger:       logger,
	})
	t.Cleanup(func() { ts.Deinitialize(context.Background()) })
	v := view.New(ts, logger)
	if err := v.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return New(v, opts), ts
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) view.State {
	t.Helper()
	var state view.State
	if err := sonic.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state %q: %v", rec.Body.String(), err)
	}
	return state
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestTaskLifecycle(t *testing.T) {
	e, ts := newTestServer(t, Options{})

	rec := do(t, e, http.MethodPost, "/api/tasks", `{"content":"Buy milk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d body=%s", rec.Code, rec.Body.String())
	}
	state := decodeState(t, rec)
	if len(state.Tasks) != 1 || state.Tasks[0].Content != "Buy milk" || state.Tasks[0].Tag != "New" || state.Tasks[0].IsDone {
		t.Fatalf("unexpected state %#v", state)
	}
	id := state.Tasks[0].ID

	rec = do(t, e, http.MethodPost, "/api/tasks/"+id+"/edit", "")
	if state := decodeState(t, rec); !state.Tasks[0].IsEdit || state.FormEdit.ID != id {
		t.Fatalf("edit not started: %#v", state)
	}
	rec = do(t, e, http.MethodPut, "/api/form", `{"content":"Buy oat milk","tag":"New"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("form status = %d", rec.Code)
	}
	rec = do(t, e, http.MethodPost, "/api/tasks/"+id+"/save", "")
	state = decodeState(t, rec)
	if state.Tasks[0].Content != "Buy oat milk" || state.Tasks[0].IsEdit {
		t.Fatalf("edit not saved: %#v", state.Tasks[0])
	}

	rec = do(t, e, http.MethodPost, "/api/tasks/"+id+"/done", "")
	state = decodeState(t, rec)
	if !state.Tasks[0].IsDone || len(state.Tasks[0].Actions) != 1 || state.Tasks[0].Actions[0] != view.ActionDelete {
		t.Fatalf("done not applied: %#v", state.Tasks[0])
	}

	rec = do(t, e, http.MethodDelete, "/api/tasks/"+id, "")
	if state := decodeState(t, rec); len(state.Tasks) != 0 {
		t.Fatalf("task not deleted: %#v", state)
	}
	if len(ts.Data()) != 0 {
		t.Fatal("task still stored")
	}

	rec = do(t, e, http.MethodGet, "/api/toasts", "")
	var toasts []view.Toast
	if err := sonic.Unmarshal(rec.Body.Bytes(), &toasts); err != nil {
		t.Fatalf("decode toasts: %v", err)
	}
	if len(toasts) != 4 {
		t.Fatalf("toasts = %#v", toasts)
	}
}

func TestAddUsesDraft(t *testing.T) {
	e, _ := newTestServer(t, Options{})

	if rec := do(t, e, http.MethodPut, "/api/draft", `{"content":"Sync log"}`); rec.Code != http.StatusOK {
		t.Fatalf("draft status = %d", rec.Code)
	}
	rec := do(t, e, http.MethodPost, "/api/tasks", "")
	state := decodeState(t, rec)
	if len(state.Tasks) != 1 || state.Tasks[0].Content != "Sync log" || state.Content != "" {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestAddRejectsEmptyContent(t *testing.T) {
	e, ts := newTestServer(t, Options{})

	rec := do(t, e, http.MethodPost, "/api/tasks", `{"content":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Kind != "validation" {
		t.Fatalf("unexpected error %#v", resp)
	}
	if len(ts.Data()) != 0 {
		t.Fatal("empty task stored")
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	e, _ := newTestServer(t, Options{})

	rec := do(t, e, http.MethodPut, "/api/filters", `{"searchText":"s","extra":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	e, _ := newTestServer(t, Options{MaxBodySize: 16})

	rec := do(t, e, http.MethodPut, "/api/draft", `{"content":"this is far too long"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFiltersApplyToState(t *testing.T) {
	e, _ := newTestServer(t, Options{})
	for _, content := range []string{"Sync log", "Buy milk"} {
		do(t, e, http.MethodPost, "/api/tasks", `{"content":"`+content+`"}`)
	}

	rec := do(t, e, http.MethodPut, "/api/filters", `{"searchText":"S","hideCompleted":true}`)
	state := decodeState(t, rec)
	if len(state.Tasks) != 1 || state.Tasks[0].Content != "Sync log" || state.Total != 2 {
		t.Fatalf("unexpected filtered state %#v", state)
	}
	if !state.Filters.HideCompleted || state.Filters.SearchText != "S" {
		t.Fatalf("filters not echoed: %#v", state.Filters)
	}
}

func TestErrorStatuses(t *testing.T) {
	e, _ := newTestServer(t, Options{})

	rec := do(t, e, http.MethodDelete, "/api/tasks/missing", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Kind != "not_found" {
		t.Fatalf("delete missing: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodPost, "/api/upload", "")
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Kind != "network" {
		t.Fatalf("upload without remote: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodPost, "/api/tasks/other/save", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("save without edit: %d", rec.Code)
	}
}

func TestSyncReloads(t *testing.T) {
	e, _ := newTestServer(t, Options{})
	do(t, e, http.MethodPost, "/api/tasks", `{"content":"Buy milk"}`)

	rec := do(t, e, http.MethodPost, "/api/sync", "")
	state := decodeState(t, rec)
	if rec.Code != http.StatusOK || state.Loading || len(state.Tasks) != 1 {
		t.Fatalf("unexpected sync response %d %#v", rec.Code, state)
	}
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t, Options{})
	do(t, e, http.MethodPost, "/api/tasks", `{"content":"Buy milk"}`)

	rec := do(t, e, http.MethodGet, "/healthz", "")
	var resp healthResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || resp.Status != "ok" || resp.Pending != 1 {
		t.Fatalf("unexpected health %d %#v", rec.Code, resp)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(context.Canceled); got != http.StatusInternalServerError {
		t.Fatalf("unknown error status = %d", got)
	}
}

func TestConcurrentAddsKeepEachContent(t *testing.T) {
	e, ts := newTestServer(t, Options{})
	if rec := do(t, e, http.MethodPut, "/api/draft", `{"content":"Sync log"}`); rec.Code != http.StatusOK {
		t.Fatalf("draft status = %d", rec.Code)
	}

	const n = 16
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := do(t, e, http.MethodPost, "/api/tasks", fmt.Sprintf(`{"content":"task %02d"}`, i))
			codes <- rec.Code
		}(i)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("add status = %d", code)
		}
	}

	seen := make(map[string]bool)
	for _, task := range ts.Data() {
		seen[task.Content] = true
	}
	if len(seen) != n {
		t.Fatalf("stored %d distinct tasks, want %d: %v", len(seen), n, seen)
	}
	state := decodeState(t, do(t, e, http.MethodGet, "/api/tasks", ""))
	if state.Content != "Sync log" {
		t.Fatalf("draft overwritten: %q", state.Content)
	}
}
