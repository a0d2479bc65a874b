package cli

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"clip-acquirer/internal/api"
	"clip-acquirer/internal/hub"
	"clip-acquirer/internal/logging"
	"clip-acquirer/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAcquirer struct {
	mu      sync.Mutex
	records map[string]model.ProgressRecord
	live    map[string]bool
}

func (s *stubAcquirer) Submit(req model.Request) error { return nil }

func (s *stubAcquirer) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[id] {
		return false
	}
	delete(s.live, id)
	return true
}

func (s *stubAcquirer) Status(id string) (model.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *stubAcquirer) Jobs() []model.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProgressRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

func newStubServer(t *testing.T) (*httptest.Server, *hub.Hub, *stubAcquirer) {
	t.Helper()
	acq := &stubAcquirer{
		records: map[string]model.ProgressRecord{
			"clip-1": {ResourceID: "clip-1", Progress: 40, Status: model.StatusDownloading, Phase: "primary-fetch", Strategy: "primary"},
		},
		live: map[string]bool{"clip-1": true},
	}
	h := hub.New(logging.Discard())
	srv := httptest.NewServer(api.New(api.Options{Acquirer: acq, Hub: h, Logger: logging.Discard()}).Handler())
	t.Cleanup(srv.Close)
	return srv, h, acq
}

func TestStatusCommand(t *testing.T) {
	srv, _, _ := newStubServer(t)

	out, err := runCLI(t, "status", "clip-1", "--server", srv.URL, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var rec model.ProgressRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Progress != 40 || rec.Strategy != "primary" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	out, err = runCLI(t, "status", "clip-1", "--server", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "clip-1 downloading 40% primary-fetch strategy=primary" {
		t.Fatalf("unexpected plain output: %q", out)
	}

	if _, err := runCLI(t, "status", "missing", "--server", srv.URL); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestCancelCommand(t *testing.T) {
	srv, _, _ := newStubServer(t)

	out, err := runCLI(t, "cancel", "clip-1", "--server", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "clip-1: cancelled") {
		t.Fatalf("unexpected output: %q", out)
	}
	out, err = runCLI(t, "cancel", "clip-1", "--server", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no running acquisition") {
		t.Fatalf("second cancel must report nothing to cancel: %q", out)
	}
}

func TestJobsCommand(t *testing.T) {
	srv, _, _ := newStubServer(t)
	out, err := runCLI(t, "jobs", "--server", srv.URL, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var list []model.ProgressRecord
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ResourceID != "clip-1" {
		t.Fatalf("unexpected jobs: %+v", list)
	}
}

func TestWatchProgress_StopsAtTerminalStatuses(t *testing.T) {
	srv, h, _ := newStubServer(t)
	h.Publish(model.ProgressRecord{ResourceID: "done-1", Progress: 100, Status: model.StatusCompleted, Phase: "completed", Strategy: "primary"})
	h.Publish(model.ProgressRecord{ResourceID: "bad-1", Progress: 30, Status: model.StatusError, Error: "forbidden (tried primary)"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []model.ProgressRecord
	err := watchProgress(ctx, srv.URL, []string{"done-1", "bad-1"}, func(rec model.ProgressRecord) {
		got = append(got, rec)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two records, got %+v", got)
	}
	byID := map[string]model.ProgressRecord{}
	for _, rec := range got {
		byID[rec.ResourceID] = rec
	}
	if byID["done-1"].Status != model.StatusCompleted {
		t.Fatalf("unexpected completed record: %+v", byID["done-1"])
	}
	bad := byID["bad-1"]
	if bad.Status != model.StatusError || bad.Error != "forbidden (tried primary)" || bad.Progress != 30 {
		t.Fatalf("unexpected error record: %+v", bad)
	}
}

func TestWatchCommand_PlainOutput(t *testing.T) {
	srv, h, _ := newStubServer(t)
	h.Publish(model.ProgressRecord{ResourceID: "done-2", Progress: 100, Status: model.StatusCancelled})

	out, err := runCLI(t, "watch", "done-2", "--server", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "done-2 cancelled 100%" {
		t.Fatalf("unexpected watch output: %q", out)
	}
}

func TestServerBase(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8787":         "http://127.0.0.1:8787",
		":9000":                  "http://127.0.0.1:9000",
		"https://clips.example/": "https://clips.example",
		"":                       "",
	}
	for in, want := range cases {
		if got := serverBase(in); got != want {
			t.Fatalf("serverBase(%q) = %q, want %q", in, got, want)
		}
	}
	if got := wsURL("https://clips.example"); got != "wss://clips.example/ws" {
		t.Fatalf("unexpected ws url: %s", got)
	}
}
