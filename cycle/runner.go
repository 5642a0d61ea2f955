// Package cycle drives one evaluation cycle from attempt collection through
// the gate decision to promotion or rejection.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.uber.org/zap"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/monitoring"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

// State of an evaluation cycle.
type State string

const (
	StatePending    State = "PENDING"
	StateEvaluating State = "EVALUATING"
	StatePromoted   State = "PROMOTED"
	StateRejected   State = "REJECTED"
)

// Terminal reports whether the state closes a cycle. A cycle never leaves a
// terminal state.
func (s State) Terminal() bool {
	return s == StatePromoted || s == StateRejected
}

var (
	// ErrNoCycle means no cycle is open on this runner.
	ErrNoCycle = errors.New("no open cycle")
	// ErrCycleInFlight means Open was called while a cycle is still open.
	ErrCycleInFlight = errors.New("a cycle is already in flight")
	// ErrNotPending means the cycle has left PENDING: late attempts and
	// evaluating a closed cycle both report it.
	ErrNotPending = errors.New("cycle is not collecting attempts")
)

// PolicySource yields the gate policy in effect when evaluation runs. A
// *gate.PolicyWatcher satisfies it; FixedPolicy wraps a constant.
type PolicySource interface {
	Current() gate.Policy
}

// FixedPolicy is a PolicySource that always returns the same policy.
type FixedPolicy gate.Policy

// Current implements PolicySource.
func (p FixedPolicy) Current() gate.Policy {
	return gate.Policy(p)
}

// Options carries the runner's optional collaborators.
type Options struct {
	Monitor  *monitoring.GateMonitor
	Exporter *registry.Exporter
	// Audit receives one structured record per gate decision. nil disables
	// auditing (tests).
	Audit *zap.Logger
}

// Outcome is the result of evaluating a cycle.
type Outcome struct {
	CycleID   int64              `json:"cycle_id"`
	State     State              `json:"state"`
	Selection *gate.Selection    `json:"selection,omitempty"`
	Baseline  *registry.Baseline `json:"baseline,omitempty"`
	// Reports holds one human-readable gate report per attempt, in input
	// order.
	Reports []string `json:"reports,omitempty"`
}

// Runner holds at most one cycle in flight. Its mutex serializes AddAttempt,
// Evaluate and therefore promotion: the store-level promote is atomic on its
// own, but callers running multiple Runners against one registry must still
// serialize cycles externally.
type Runner struct {
	store  *registry.Store
	policy PolicySource
	opts   Options

	mu       sync.Mutex
	cycleID  int64
	state    State
	attempts []gate.Attempt
}

// NewRunner wires a runner. policy must not be nil.
func NewRunner(store *registry.Store, policy PolicySource, opts Options) *Runner {
	return &Runner{
		store:  store,
		policy: policy,
		opts:   opts,
		state:  "",
	}
}

// Open starts a new cycle in PENDING.
func (r *Runner) Open(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != "" && !r.state.Terminal() {
		return 0, ErrCycleInFlight
	}

	id, err := r.store.OpenCycle(ctx, string(StatePending))
	if err != nil {
		return 0, err
	}
	r.cycleID = id
	r.state = StatePending
	r.attempts = nil

	if r.opts.Monitor != nil {
		r.opts.Monitor.CycleOpened(id)
	}
	return id, nil
}

// CycleID returns the current cycle id, or ErrNoCycle.
func (r *Runner) CycleID() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return 0, ErrNoCycle
	}
	return r.cycleID, nil
}

// AddAttempt records one finished training attempt. Only allowed while the
// cycle is PENDING.
func (r *Runner) AddAttempt(ctx context.Context, attempt gate.Attempt) error {
	if attempt.ID == "" {
		return &gate.InvalidInputError{Reason: "attempt id required"}
	}
	if len(attempt.Metrics) == 0 {
		return &gate.InvalidInputError{Reason: "attempt metrics required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == "" {
		return ErrNoCycle
	}
	if r.state != StatePending {
		return ErrNotPending
	}

	if err := r.store.SaveAttempt(ctx, r.cycleID, attempt); err != nil {
		return err
	}
	r.attempts = append(r.attempts, gate.Attempt{ID: attempt.ID, Metrics: attempt.Metrics.Clone()})

	if r.opts.Monitor != nil {
		r.opts.Monitor.AttemptRecorded(r.cycleID, attempt)
	}
	return nil
}

// Evaluate runs the gate over all collected attempts and closes the cycle:
// PENDING -> EVALUATING -> PROMOTED or REJECTED. The winner, if any, replaces
// the production baseline before Evaluate returns. A failed evaluation rolls
// the cycle back to PENDING, so the caller can fix the cause (a bad policy
// edit, a store outage) and re-run; EVALUATING is never a resting state.
func (r *Runner) Evaluate(ctx context.Context) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == "" {
		return nil, ErrNoCycle
	}
	if r.state != StatePending {
		return nil, fmt.Errorf("cannot evaluate cycle %d in state %s: %w", r.cycleID, r.state, ErrNotPending)
	}

	r.state = StateEvaluating
	if err := r.store.UpdateCycleState(ctx, r.cycleID, string(StateEvaluating), "", false); err != nil {
		r.state = StatePending
		return nil, err
	}
	if r.opts.Monitor != nil {
		r.opts.Monitor.CycleState(r.cycleID, string(StateEvaluating))
	}

	outcome, err := r.evaluate(ctx)
	if err != nil && !r.state.Terminal() {
		r.state = StatePending
		if uerr := r.store.UpdateCycleState(ctx, r.cycleID, string(StatePending), "", false); uerr != nil {
			// In-memory state is already PENDING; a retry re-persists
			// EVALUATING on its way through.
			log.Printf("cycle %d: state rollback failed: %v", r.cycleID, uerr)
		}
		if r.opts.Monitor != nil {
			r.opts.Monitor.CycleState(r.cycleID, string(StatePending))
		}
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *Runner) evaluate(ctx context.Context) (*Outcome, error) {
	policy := r.policy.Current()

	baseline, err := r.store.CurrentBaseline(ctx)
	if errors.Is(err, registry.ErrNoBaseline) {
		return r.bootstrap(ctx, policy)
	}
	if err != nil {
		return nil, err
	}

	selection, err := policy.SelectBest(r.attempts, baseline.Metrics)
	if err != nil {
		return nil, err
	}

	reports := make([]string, 0, len(r.attempts))
	for _, attempt := range r.attempts {
		result, evalErr := policy.Evaluate(attempt.Metrics, baseline.Metrics)
		if evalErr != nil {
			return nil, evalErr
		}
		if err := r.store.MarkAttempt(ctx, r.cycleID, attempt.ID, result.Passed); err != nil {
			return nil, err
		}
		reports = append(reports, gate.FormatReport(attempt.ID, attempt.Metrics, baseline.Metrics, result))
	}

	if selection == nil {
		return r.reject(ctx, reports)
	}
	return r.promote(ctx, policy, selection, reports)
}

// bootstrap handles the very first cycle, before any baseline exists: the
// best attempt by the primary metric is promoted directly.
func (r *Runner) bootstrap(ctx context.Context, policy gate.Policy) (*Outcome, error) {
	best := gate.BestByPrimary(r.attempts, policy.PrimaryMetric)
	if best == nil {
		return r.reject(ctx, nil)
	}
	selection := &gate.Selection{
		Attempt: *best,
		Result:  gate.PassResult{Passed: true},
	}
	if err := r.store.MarkAttempt(ctx, r.cycleID, best.ID, true); err != nil {
		return nil, err
	}
	return r.promote(ctx, policy, selection, nil)
}

func (r *Runner) promote(ctx context.Context, policy gate.Policy, selection *gate.Selection, reports []string) (*Outcome, error) {
	identifier := fmt.Sprintf("cycle-%d/%s", r.cycleID, selection.Attempt.ID)
	promoted, err := r.store.Promote(ctx, selection.Attempt.Metrics, identifier)
	if err != nil {
		// Promotion failed; the previous baseline is still in place.
		// Surface the store error verbatim, the orchestrator owns retries.
		return nil, fmt.Errorf("promote %s: %w", identifier, err)
	}

	if err := r.store.UpdateCycleState(ctx, r.cycleID, string(StatePromoted), selection.Attempt.ID, true); err != nil {
		return nil, err
	}
	r.state = StatePromoted

	if r.opts.Exporter != nil {
		if err := r.opts.Exporter.Record(promoted); err != nil {
			return nil, fmt.Errorf("export promotion: %w", err)
		}
	}
	if r.opts.Monitor != nil {
		r.opts.Monitor.Promoted(r.cycleID, identifier, promoted.Metrics)
	}
	if r.opts.Audit != nil {
		r.opts.Audit.Info("model promoted",
			zap.Int64("cycle", r.cycleID),
			zap.String("attempt", selection.Attempt.ID),
			zap.String("identifier", identifier),
			zap.Float64("tolerance", policy.Tolerance),
			zap.String("primary_metric", policy.PrimaryMetric),
			zap.Any("metrics", promoted.Metrics),
		)
	}

	return &Outcome{
		CycleID:   r.cycleID,
		State:     StatePromoted,
		Selection: selection,
		Baseline:  promoted,
		Reports:   reports,
	}, nil
}

func (r *Runner) reject(ctx context.Context, reports []string) (*Outcome, error) {
	if err := r.store.UpdateCycleState(ctx, r.cycleID, string(StateRejected), "", true); err != nil {
		return nil, err
	}
	r.state = StateRejected

	if r.opts.Monitor != nil {
		r.opts.Monitor.Rejected(r.cycleID, len(r.attempts))
	}
	if r.opts.Audit != nil {
		r.opts.Audit.Info("cycle rejected",
			zap.Int64("cycle", r.cycleID),
			zap.Int("attempts", len(r.attempts)),
		)
	}

	return &Outcome{
		CycleID: r.cycleID,
		State:   StateRejected,
		Reports: reports,
	}, nil
}
