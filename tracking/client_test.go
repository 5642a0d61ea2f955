package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, runHits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/2.0/mlflow/registered-models/get-latest-versions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model_versions":[{"name":"water-meter-segmentation","version":"14","current_stage":"Production","run_id":"run-abc"}]}`))
	})
	mux.HandleFunc("GET /api/2.0/mlflow/runs/get", func(w http.ResponseWriter, r *http.Request) {
		if runHits != nil {
			atomic.AddInt32(runHits, 1)
		}
		if r.URL.Query().Get("run_id") != "run-abc" {
			http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"run":{"data":{"metrics":[{"key":"val_dice","value":0.9310},{"key":"val_iou","value":0.8890}]}}}`))
	})
	mux.HandleFunc("POST /api/2.0/mlflow/model-versions/transition-stage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLatestVersion(t *testing.T) {
	server := newTestServer(t, nil)
	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	version, err := client.LatestVersion(context.Background(), "water-meter-segmentation", StageProduction)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if version == nil || version.Version != "14" || version.RunID != "run-abc" {
		t.Fatalf("unexpected version: %+v", version)
	}
}

func TestRunMetricsCached(t *testing.T) {
	var hits int32
	server := newTestServer(t, &hits)
	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	first, err := client.RunMetrics(ctx, "run-abc")
	if err != nil {
		t.Fatalf("run metrics: %v", err)
	}
	if first["val_dice"] != 0.9310 {
		t.Fatalf("unexpected metrics: %v", first)
	}

	second, err := client.RunMetrics(ctx, "run-abc")
	if err != nil {
		t.Fatalf("run metrics (cached): %v", err)
	}
	if second["val_iou"] != 0.8890 {
		t.Fatalf("unexpected cached metrics: %v", second)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected a single server hit, got %d", hits)
	}

	// The cache hands out copies; mutating one must not poison the cache.
	second["val_iou"] = 0
	third, _ := client.RunMetrics(ctx, "run-abc")
	if third["val_iou"] != 0.8890 {
		t.Fatal("cache returned a shared map")
	}
}

func TestRunMetricsNotFound(t *testing.T) {
	server := newTestServer(t, nil)
	client, _ := NewClient(server.URL)

	if _, err := client.RunMetrics(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestWaitReady(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		healthy.Store(true)
	}()

	if err := client.WaitReady(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := client.WaitReady(ctx, 20*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}
