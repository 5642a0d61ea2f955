package gate

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Policy bundles the gate settings that operators tune between cycles.
type Policy struct {
	// Tolerance is the fractional allowance below baseline values still
	// considered acceptable, e.g. 0.02 for 2%.
	Tolerance float64 `yaml:"tolerance"`
	// PrimaryMetric ranks passing attempts.
	PrimaryMetric string `yaml:"primary_metric"`
	// Required lists metrics the candidate must report. A required metric
	// missing from the candidate is an input error rather than a plain
	// gate failure.
	Required []string `yaml:"required_metrics"`
	// Strict turns any metric missing from the candidate into an input
	// error, not just the required ones.
	Strict bool `yaml:"strict"`
}

// DefaultPolicy matches the pipeline's standing configuration: 2% relative
// tolerance, ranked by validation dice.
func DefaultPolicy() Policy {
	return Policy{
		Tolerance:     0.02,
		PrimaryMetric: "val_dice",
	}
}

// Validate checks the policy values themselves.
func (p Policy) Validate() error {
	if p.Tolerance < 0 || p.Tolerance >= 1 {
		return invalidInput("tolerance %v outside [0,1)", p.Tolerance)
	}
	if p.PrimaryMetric == "" {
		return invalidInput("primary metric is required")
	}
	return nil
}

// Evaluate applies the policy to one candidate.
func (p Policy) Evaluate(candidate, baseline MetricSet) (PassResult, error) {
	if err := p.Validate(); err != nil {
		return PassResult{}, err
	}
	for _, name := range p.Required {
		if _, ok := candidate[name]; !ok {
			return PassResult{}, invalidInput("candidate is missing required metric %q", name)
		}
	}
	return evaluate(candidate, baseline, p.Tolerance, p.Strict)
}

// SelectBest applies the policy to a whole cycle's attempts. A passing
// attempt that does not report the primary metric cannot be ranked and is
// skipped.
func (p Policy) SelectBest(attempts []Attempt, baseline MetricSet) (*Selection, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var best *Selection
	bestScore := math.Inf(-1)
	for _, attempt := range attempts {
		result, err := p.Evaluate(attempt.Metrics, baseline)
		if err != nil {
			return nil, fmt.Errorf("attempt %s: %w", attempt.ID, err)
		}
		if !result.Passed {
			continue
		}
		score, ok := attempt.Metrics[p.PrimaryMetric]
		if !ok {
			continue
		}
		// Strictly greater keeps the earliest attempt on exact ties.
		if best == nil || score > bestScore {
			best = &Selection{Attempt: attempt, Result: result}
			bestScore = score
		}
	}
	return best, nil
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, err
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// PolicyWatcher keeps a policy loaded from file and reloads it when the file
// changes, so tolerance adjustments take effect without a restart.
type PolicyWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Policy

	done chan struct{}
}

// WatchPolicy loads the policy at path and starts watching it.
func WatchPolicy(path string) (*PolicyWatcher, error) {
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file on save, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	pw := &PolicyWatcher{
		path:    path,
		watcher: watcher,
		current: policy,
		done:    make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

// Current returns the active policy.
func (pw *PolicyWatcher) Current() Policy {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.current
}

// Close stops the watcher.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}

func (pw *PolicyWatcher) run() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			policy, err := LoadPolicy(pw.path)
			if err != nil {
				// Keep the last good policy on a bad edit.
				log.Printf("policy reload failed: %v", err)
				continue
			}
			pw.mu.Lock()
			pw.current = policy
			pw.mu.Unlock()
			log.Printf("policy reloaded: tolerance=%.4f primary=%s", policy.Tolerance, policy.PrimaryMetric)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("policy watcher error: %v", err)

		case <-pw.done:
			return
		}
	}
}
