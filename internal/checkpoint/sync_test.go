package checkpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a minimal in-memory checkpoint backend.
type fakeBackend struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	syncCalls   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{checkpoints: map[string]Checkpoint{}}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkpoint/sync", func(w http.ResponseWriter, r *http.Request) {
		var cp Checkpoint
		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.syncCalls++
		b.checkpoints[r.URL.Query().Get("session_id")] = cp
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /checkpoint", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		cp, ok := b.checkpoints[r.URL.Query().Get("session_id")]
		b.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(cp)
	})
	mux.HandleFunc("POST /checkpoint/interrupt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		cp := b.checkpoints[r.URL.Query().Get("session_id")]
		cp.Status = StatusInterrupted
		cp.InterruptReason = body.Reason
		b.checkpoints[r.URL.Query().Get("session_id")] = cp
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /checkpoint/complete", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		cp := b.checkpoints[r.URL.Query().Get("session_id")]
		cp.Status = StatusCompleted
		b.checkpoints[r.URL.Query().Get("session_id")] = cp
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /checkpoint/interrupted/list", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		var out []Checkpoint
		for _, cp := range b.checkpoints {
			if cp.Status == StatusInterrupted {
				out = append(out, cp)
			}
		}
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("DELETE /checkpoint", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		delete(b.checkpoints, r.URL.Query().Get("session_id"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestSyncClient_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := NewSyncClient(server.URL, "user-1")
	ctx := context.Background()

	cp := &Checkpoint{ID: "cp1", SessionID: "sess1", UserMessage: "task", Status: StatusRunning}
	if err := client.Upsert(ctx, cp); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := client.Fetch(ctx, "sess1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got == nil || got.ID != "cp1" {
		t.Fatalf("Fetch = %+v, want cp1", got)
	}

	if err := client.Interrupt(ctx, "sess1", "network"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	interrupted, err := client.ListInterrupted(ctx)
	if err != nil {
		t.Fatalf("ListInterrupted: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0].InterruptReason != "network" {
		t.Fatalf("interrupted = %+v, want one entry with reason network", interrupted)
	}

	if err := client.Delete(ctx, "sess1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := client.Fetch(ctx, "sess1"); err != nil || got != nil {
		t.Fatalf("Fetch after delete = %+v, %v; want nil, nil", got, err)
	}
}

func TestSyncClient_UpsertSkipsUnchangedBody(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := NewSyncClient(server.URL, "user-1")
	cp := &Checkpoint{ID: "cp1", SessionID: "sess1", Status: StatusRunning}

	for i := 0; i < 3; i++ {
		if err := client.Upsert(context.Background(), cp); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if backend.syncCalls != 1 {
		t.Fatalf("backend saw %d sync calls, want 1 (unchanged bodies skipped)", backend.syncCalls)
	}

	cp.CurrentStepIndex = 2
	if err := client.Upsert(context.Background(), cp); err != nil {
		t.Fatalf("Upsert after change: %v", err)
	}
	if backend.syncCalls != 2 {
		t.Fatalf("backend saw %d sync calls, want 2", backend.syncCalls)
	}
}

func TestManager_LoadPrefersRemoteAndCacheFills(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	backend.checkpoints["sess1"] = Checkpoint{ID: "remote-cp", SessionID: "sess1", Status: StatusInterrupted}

	storage := newMemoryStorage()
	clock := newFakeClock()
	m := NewManager(storage,
		WithSync(NewSyncClient(server.URL, "user-1")),
		WithManagerClock(clock.Now),
		WithTimer(idleTimer),
	)
	defer m.Close()

	cp, ok := m.Load(context.Background(), "sess1")
	if !ok || cp.ID != "remote-cp" {
		t.Fatalf("Load = %+v, %v; want the remote checkpoint", cp, ok)
	}
	if _, ok := storage.Get(checkpointKey("sess1")); !ok {
		t.Fatal("remote hit must be cached locally")
	}
}

func TestManager_LoadFallsBackToLocalOnRemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer server.Close()

	storage := newMemoryStorage()
	clock := newFakeClock()
	m := NewManager(storage,
		WithSync(NewSyncClient(server.URL, "user-1")),
		WithManagerClock(clock.Now),
		WithTimer(idleTimer),
	)
	defer m.Close()

	m.Create("sess1", "m1", "task", nil)

	cp, ok := m.Load(context.Background(), "sess1")
	if !ok || cp.Status != StatusRunning {
		t.Fatalf("Load = %+v, %v; want local fallback", cp, ok)
	}
}

func TestManager_SyncErrorCallbackFires(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer server.Close()

	errs := make(chan error, 1)
	clock := newFakeClock()
	m := NewManager(newMemoryStorage(),
		WithSync(NewSyncClient(server.URL, "user-1")),
		WithManagerClock(clock.Now),
		WithTimer(idleTimer),
		WithSyncErrorCallback(func(err error) {
			select {
			case errs <- err:
			default:
			}
		}),
	)
	defer m.Close()

	m.Create("sess1", "m1", "task", nil)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("callback delivered nil error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("sync error callback never fired")
	}
}
