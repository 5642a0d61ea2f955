// gatecheck evaluates one candidate metrics file against the production
// baseline and exits non-zero when the gate fails. Intended for CI: the
// training job writes its final metrics to JSON and this decides whether the
// run may open a promotion PR.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

func main() {
	candidatePath := flag.String("candidate", "", "candidate metrics JSON file")
	baselinePath := flag.String("baseline", "", "baseline metrics JSON file (overrides the registry)")
	dbPath := flag.String("db", "./data/registry.db", "registry database path")
	policyPath := flag.String("policy", "", "gate policy YAML (default: built-in policy)")
	tolerance := flag.Float64("tolerance", -1, "override tolerance (fraction, e.g. 0.02)")
	attemptID := flag.String("attempt", "candidate", "attempt identifier for the report")
	flag.Parse()

	if *candidatePath == "" {
		log.Fatal("candidate is required")
	}

	candidate, err := loadMetrics(*candidatePath)
	if err != nil {
		log.Fatalf("failed to load candidate metrics: %v", err)
	}

	baseline, err := loadBaseline(*baselinePath, *dbPath)
	if err != nil {
		log.Fatalf("failed to load baseline: %v", err)
	}

	policy := gate.DefaultPolicy()
	if *policyPath != "" {
		if policy, err = gate.LoadPolicy(*policyPath); err != nil {
			log.Fatalf("failed to load policy: %v", err)
		}
	}
	if *tolerance >= 0 {
		policy.Tolerance = *tolerance
	}

	result, err := policy.Evaluate(candidate, baseline)
	if err != nil {
		log.Fatalf("gate check failed: %v", err)
	}

	fmt.Print(gate.FormatReport(*attemptID, candidate, baseline, result))
	if !result.Passed {
		os.Exit(1)
	}
}

func loadMetrics(path string) (gate.MetricSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var metrics gate.MetricSet
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

func loadBaseline(baselinePath, dbPath string) (gate.MetricSet, error) {
	if baselinePath != "" {
		return loadMetrics(baselinePath)
	}

	store, err := registry.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	baseline, err := store.CurrentBaseline(context.Background())
	if errors.Is(err, registry.ErrNoBaseline) {
		return nil, fmt.Errorf("registry holds no baseline yet; pass -baseline or promote a model first")
	}
	if err != nil {
		return nil, err
	}
	return baseline.Metrics, nil
}
