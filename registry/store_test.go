package registry

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCurrentBaselineEmpty(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CurrentBaseline(context.Background())
	if !errors.Is(err, ErrNoBaseline) {
		t.Fatalf("expected ErrNoBaseline, got %v", err)
	}
}

func TestPromoteReplacesBaseline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := gate.MetricSet{"val_dice": 0.90, "val_iou": 0.85}
	if _, err := store.Promote(ctx, first, "v1"); err != nil {
		t.Fatalf("promote v1: %v", err)
	}

	second := gate.MetricSet{"val_dice": 0.93, "val_iou": 0.89}
	if _, err := store.Promote(ctx, second, "v2"); err != nil {
		t.Fatalf("promote v2: %v", err)
	}

	current, err := store.CurrentBaseline(ctx)
	if err != nil {
		t.Fatalf("current baseline: %v", err)
	}
	if current.Identifier != "v2" {
		t.Fatalf("expected v2 active, got %s", current.Identifier)
	}
	if current.Metrics["val_dice"] != 0.93 {
		t.Fatalf("wrong metrics: %v", current.Metrics)
	}

	history, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Identifier != "v2" || history[1].Identifier != "v1" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestPromoteValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Promote(ctx, gate.MetricSet{"val_dice": 0.9}, ""); err == nil {
		t.Fatal("empty identifier must fail")
	}
	if _, err := store.Promote(ctx, gate.MetricSet{}, "v1"); err == nil {
		t.Fatal("empty metrics must fail")
	}
}

func TestPromotedBaselinePassesItself(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	metrics := gate.MetricSet{"val_dice": 0.941, "val_iou": 0.902}
	if _, err := store.Promote(ctx, metrics, "v3"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	current, err := store.CurrentBaseline(ctx)
	if err != nil {
		t.Fatalf("current baseline: %v", err)
	}
	result, err := gate.Evaluate(metrics, current.Metrics, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Passed {
		t.Fatal("just-promoted metrics must pass against the new baseline at zero tolerance")
	}
}

func TestCycleLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.OpenCycle(ctx, "PENDING")
	if err != nil {
		t.Fatalf("open cycle: %v", err)
	}

	attempts := []gate.Attempt{
		{ID: "seed-1", Metrics: gate.MetricSet{"val_dice": 0.905}},
		{ID: "seed-2", Metrics: gate.MetricSet{"val_dice": 0.932}},
	}
	for _, a := range attempts {
		if err := store.SaveAttempt(ctx, id, a); err != nil {
			t.Fatalf("save attempt %s: %v", a.ID, err)
		}
	}
	if err := store.MarkAttempt(ctx, id, "seed-2", true); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	stored, err := store.Attempts(ctx, id)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(stored))
	}
	if stored[0].ID != "seed-1" || stored[1].ID != "seed-2" {
		t.Fatalf("attempt order not preserved: %+v", stored)
	}
	if stored[0].Passed || !stored[1].Passed {
		t.Fatalf("pass flags wrong: %+v", stored)
	}

	if err := store.UpdateCycleState(ctx, id, "PROMOTED", "seed-2", true); err != nil {
		t.Fatalf("update state: %v", err)
	}
	cycle, err := store.GetCycle(ctx, id)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if cycle.State != "PROMOTED" || cycle.Winner != "seed-2" || cycle.ClosedAt == nil {
		t.Fatalf("unexpected cycle: %+v", cycle)
	}

	if err := store.UpdateCycleState(ctx, 9999, "REJECTED", "", true); !errors.Is(err, ErrCycleNotFound) {
		t.Fatalf("expected ErrCycleNotFound, got %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, "v7", gate.MetricSet{"val_dice": 0.91}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snapshots, err := store.Snapshots(ctx, 10)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].Identifier != "v7" {
		t.Fatalf("unexpected snapshots: %+v", snapshots)
	}
}

func TestExporter(t *testing.T) {
	dir := t.TempDir()
	exporter, err := NewExporter(dir)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	b := &Baseline{Identifier: "v1", Metrics: gate.MetricSet{"val_dice": 0.9}}
	if err := exporter.Record(b); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	b2 := &Baseline{Identifier: "v2", Metrics: gate.MetricSet{"val_dice": 0.93}}
	if err := exporter.Record(b2); err != nil {
		t.Fatalf("record v2: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "production_current.json"))
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if !strings.Contains(string(data), "v2") {
		t.Fatalf("current file should hold v2: %s", data)
	}

	f, err := os.Open(filepath.Join(dir, "production_history.jsonl"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 history lines, got %d", lines)
	}
}
