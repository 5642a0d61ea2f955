package gate

import (
	"errors"
	"math"
	"testing"
)

var baseline = MetricSet{"val_dice": 0.9275, "val_iou": 0.8865}

func TestEvaluatePassingCandidate(t *testing.T) {
	candidate := MetricSet{"val_dice": 0.9310, "val_iou": 0.8890}

	result, err := Evaluate(candidate, baseline, 0.02)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected candidate to pass, got %+v", result)
	}
	if !result.PerMetric["val_dice"] || !result.PerMetric["val_iou"] {
		t.Fatalf("expected both metrics to pass: %+v", result.PerMetric)
	}
	if math.Abs(result.Thresholds["val_dice"]-0.90895) > 1e-9 {
		t.Fatalf("wrong dice threshold: %v", result.Thresholds["val_dice"])
	}
	if math.Abs(result.Margins["val_dice"]-0.0035) > 1e-9 {
		t.Fatalf("wrong dice margin: %v", result.Margins["val_dice"])
	}
}

func TestEvaluateSingleMetricFailureFailsOverall(t *testing.T) {
	candidate := MetricSet{"val_dice": 0.85, "val_iou": 0.89}

	result, err := Evaluate(candidate, baseline, 0.02)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Fatal("expected overall failure")
	}
	if result.PerMetric["val_dice"] {
		t.Fatal("dice is below threshold, should fail")
	}
	if !result.PerMetric["val_iou"] {
		t.Fatal("iou is above threshold, should pass")
	}
}

func TestEvaluateIdenticalCandidateAlwaysPasses(t *testing.T) {
	for _, tolerance := range []float64{0, 0.02, 0.5, 0.99} {
		result, err := Evaluate(baseline.Clone(), baseline, tolerance)
		if err != nil {
			t.Fatalf("tolerance %v: unexpected error: %v", tolerance, err)
		}
		if !result.Passed {
			t.Fatalf("tolerance %v: identical candidate must pass", tolerance)
		}
	}
}

func TestEvaluateToleranceMonotonicity(t *testing.T) {
	candidate := MetricSet{"val_dice": 0.915, "val_iou": 0.875}

	passed := make([]bool, 0)
	for _, tolerance := range []float64{0, 0.005, 0.01, 0.02, 0.05, 0.1} {
		result, err := Evaluate(candidate, baseline, tolerance)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		passed = append(passed, result.Passed)
	}
	// Once a candidate passes at some tolerance it must keep passing at
	// every larger tolerance.
	for i := 1; i < len(passed); i++ {
		if passed[i-1] && !passed[i] {
			t.Fatalf("pass flags not monotone: %v", passed)
		}
	}
}

func TestEvaluateMissingMetricFails(t *testing.T) {
	candidate := MetricSet{"val_dice": 0.95}

	result, err := Evaluate(candidate, baseline, 0.02)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Fatal("candidate missing val_iou must fail")
	}
	if result.PerMetric["val_iou"] {
		t.Fatal("missing metric must be marked failed")
	}
	if result.Margins["val_iou"] != -baseline["val_iou"] {
		t.Fatalf("missing metric margin: %v", result.Margins["val_iou"])
	}
}

func TestEvaluateInvalidInputs(t *testing.T) {
	cases := []struct {
		name      string
		candidate MetricSet
		baseline  MetricSet
		tolerance float64
	}{
		{"empty baseline", MetricSet{"val_dice": 0.9}, MetricSet{}, 0.02},
		{"nil baseline", MetricSet{"val_dice": 0.9}, nil, 0.02},
		{"negative tolerance", MetricSet{"val_dice": 0.9}, baseline, -0.1},
		{"tolerance one", MetricSet{"val_dice": 0.9}, baseline, 1},
		{"nan candidate", MetricSet{"val_dice": math.NaN()}, baseline, 0.02},
	}
	for _, tc := range cases {
		_, err := Evaluate(tc.candidate, tc.baseline, tc.tolerance)
		var inputErr *InvalidInputError
		if !errors.As(err, &inputErr) {
			t.Errorf("%s: expected InvalidInputError, got %v", tc.name, err)
		}
	}
}

func TestSelectBestPicksHighestPassing(t *testing.T) {
	attempts := []Attempt{
		{ID: "seed-1", Metrics: MetricSet{"val_dice": 0.905}},
		{ID: "seed-2", Metrics: MetricSet{"val_dice": 0.932}},
		{ID: "seed-3", Metrics: MetricSet{"val_dice": 0.928}},
	}
	diceBaseline := MetricSet{"val_dice": 0.9275}

	selection, err := SelectBest(attempts, diceBaseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection == nil {
		t.Fatal("expected a winner")
	}
	if selection.Attempt.ID != "seed-2" {
		t.Fatalf("expected seed-2, got %s", selection.Attempt.ID)
	}
}

func TestSelectBestNonePassing(t *testing.T) {
	attempts := []Attempt{
		{ID: "seed-1", Metrics: MetricSet{"val_dice": 0.5}},
		{ID: "seed-2", Metrics: MetricSet{"val_dice": 0.6}},
	}

	selection, err := SelectBest(attempts, baseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection != nil {
		t.Fatalf("expected no winner, got %s", selection.Attempt.ID)
	}
}

func TestSelectBestTieBreakEarliest(t *testing.T) {
	attempts := []Attempt{
		{ID: "first", Metrics: MetricSet{"val_dice": 0.95}},
		{ID: "second", Metrics: MetricSet{"val_dice": 0.95}},
	}
	diceBaseline := MetricSet{"val_dice": 0.9}

	selection, err := SelectBest(attempts, diceBaseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection == nil || selection.Attempt.ID != "first" {
		t.Fatalf("tie must go to the earliest attempt, got %+v", selection)
	}
}

func TestSelectBestSkipsAttemptWithoutPrimary(t *testing.T) {
	iouBaseline := MetricSet{"val_iou": 0.88}
	attempts := []Attempt{
		{ID: "no-dice", Metrics: MetricSet{"val_iou": 0.95}},
	}

	// A passing attempt that never reports the primary metric cannot be
	// ranked, so a cycle of such attempts selects nothing.
	selection, err := SelectBest(attempts, iouBaseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection != nil {
		t.Fatalf("expected no winner, got %s", selection.Attempt.ID)
	}

	// The policy method applies the same rule.
	policy := Policy{Tolerance: 0.02, PrimaryMetric: "val_dice"}
	selection, err = policy.SelectBest(attempts, iouBaseline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection != nil {
		t.Fatalf("expected no winner from policy, got %s", selection.Attempt.ID)
	}

	// A rankable passer wins even against a stronger unrankable one.
	attempts = append(attempts, Attempt{ID: "with-dice", Metrics: MetricSet{"val_iou": 0.90, "val_dice": 0.85}})
	selection, err = SelectBest(attempts, iouBaseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection == nil || selection.Attempt.ID != "with-dice" {
		t.Fatalf("expected with-dice, got %+v", selection)
	}
}

func TestSelectBestIdempotent(t *testing.T) {
	attempts := []Attempt{
		{ID: "a", Metrics: MetricSet{"val_dice": 0.93, "val_iou": 0.89}},
		{ID: "b", Metrics: MetricSet{"val_dice": 0.94, "val_iou": 0.88}},
		{ID: "c", Metrics: MetricSet{"val_dice": 0.91, "val_iou": 0.90}},
	}

	first, err := SelectBest(attempts, baseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := SelectBest(attempts, baseline, 0.02, "val_dice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == nil || second == nil || first.Attempt.ID != second.Attempt.ID {
		t.Fatalf("selection not idempotent: %+v vs %+v", first, second)
	}
}

func TestPromotedMetricsPassAtZeroTolerance(t *testing.T) {
	promoted := MetricSet{"val_dice": 0.941, "val_iou": 0.902}

	// After promotion the winner becomes the baseline; evaluating it
	// against itself with zero tolerance must always pass.
	result, err := Evaluate(promoted, promoted, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Fatal("promoted metrics must pass against themselves")
	}
}

func TestBestByPrimary(t *testing.T) {
	attempts := []Attempt{
		{ID: "a", Metrics: MetricSet{"val_dice": 0.70}},
		{ID: "b", Metrics: MetricSet{"val_dice": 0.82}},
		{ID: "c", Metrics: MetricSet{"val_iou": 0.90}},
	}
	best := BestByPrimary(attempts, "val_dice")
	if best == nil || best.ID != "b" {
		t.Fatalf("expected b, got %+v", best)
	}
	if BestByPrimary(nil, "val_dice") != nil {
		t.Fatal("no attempts must yield nil")
	}
}

func TestBandFor(t *testing.T) {
	cases := []struct {
		dice float64
		want Band
	}{
		{0.93, BandExcellent},
		{0.85, BandExcellent},
		{0.78, BandGood},
		{0.55, BandMediocre},
		{0.31, BandPoor},
	}
	for _, tc := range cases {
		if got := BandFor(tc.dice); got != tc.want {
			t.Errorf("BandFor(%v) = %s, want %s", tc.dice, got, tc.want)
		}
	}
}
