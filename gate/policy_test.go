package gate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicyFile(t, path, "tolerance: 0.05\nprimary_metric: val_iou\nrequired_metrics:\n  - val_dice\n")

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.Tolerance != 0.05 {
		t.Fatalf("tolerance = %v", policy.Tolerance)
	}
	if policy.PrimaryMetric != "val_iou" {
		t.Fatalf("primary = %s", policy.PrimaryMetric)
	}
	if len(policy.Required) != 1 || policy.Required[0] != "val_dice" {
		t.Fatalf("required = %v", policy.Required)
	}
}

func TestLoadPolicyRejectsBadTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicyFile(t, path, "tolerance: 1.5\nprimary_metric: val_dice\n")

	_, err := LoadPolicy(path)
	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestPolicyEvaluateRequiredMetric(t *testing.T) {
	policy := Policy{Tolerance: 0.02, PrimaryMetric: "val_dice", Required: []string{"val_iou"}}

	_, err := policy.Evaluate(MetricSet{"val_dice": 0.95}, MetricSet{"val_dice": 0.9})
	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InvalidInputError for missing required metric, got %v", err)
	}
}

func TestPolicyStrictMissingMetric(t *testing.T) {
	policy := Policy{Tolerance: 0.02, PrimaryMetric: "val_dice", Strict: true}

	_, err := policy.Evaluate(MetricSet{"val_dice": 0.95}, MetricSet{"val_dice": 0.9, "val_iou": 0.88})
	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InvalidInputError in strict mode, got %v", err)
	}
}

func TestPolicyWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicyFile(t, path, "tolerance: 0.02\nprimary_metric: val_dice\n")

	watcher, err := WatchPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer watcher.Close()

	if got := watcher.Current().Tolerance; got != 0.02 {
		t.Fatalf("initial tolerance = %v", got)
	}

	writePolicyFile(t, path, "tolerance: 0.04\nprimary_metric: val_dice\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if watcher.Current().Tolerance == 0.04 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("policy not reloaded, tolerance still %v", watcher.Current().Tolerance)
}

func TestPolicyWatcherKeepsLastGoodOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicyFile(t, path, "tolerance: 0.02\nprimary_metric: val_dice\n")

	watcher, err := WatchPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer watcher.Close()

	writePolicyFile(t, path, "tolerance: 9.0\nprimary_metric: val_dice\n")
	time.Sleep(200 * time.Millisecond)

	if got := watcher.Current().Tolerance; got != 0.02 {
		t.Fatalf("bad edit must not replace the policy, tolerance = %v", got)
	}
}
