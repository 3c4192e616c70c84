// Package deployplan contains the pure planning half of deployment:
// target resolution, dependency ordering, and the outcome/report types
// the orchestrator aggregates. No I/O happens here.
package deployplan

import (
	"time"
)

// =============================================================================
// Outcome Status
// =============================================================================

// Status classifies the result of one host's deployment operation.
type Status string

const (
	// StatusSucceeded: the bundle was applied and is now the host's
	// current fingerprint.
	StatusSucceeded Status = "succeeded"

	// StatusFailed: the remote provisioning procedure returned failure.
	// Non-retryable within the run.
	StatusFailed Status = "failed"

	// StatusUnreachable: connection or authentication kept failing
	// after the bounded retry budget, or the per-host timeout expired.
	StatusUnreachable Status = "unreachable"

	// StatusSkippedDependencyUnmet: a dependency never converged this
	// run, so the host was not attempted. Not a failure of the host
	// itself; re-run after the dependency converges.
	StatusSkippedDependencyUnmet Status = "skipped-dependency-unmet"

	// StatusSkippedConverged: fingerprints already match and force was
	// not requested.
	StatusSkippedConverged Status = "skipped-converged"

	// StatusPlanFailed: overlay planning could not assign the host an
	// address (pool exhausted). Local to the host.
	StatusPlanFailed Status = "plan-failed"

	// StatusRenderFailed: the bundle could not be rendered, typically a
	// missing secret. Local to the host; no remote call was attempted.
	StatusRenderFailed Status = "render-failed"
)

// OK reports whether the status counts as healthy for the run's overall
// result.
func (s Status) OK() bool {
	return s == StatusSucceeded || s == StatusSkippedConverged
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the structured result for one targeted host. Every run
// produces exactly one outcome per targeted host, never a partial list.
type Outcome struct {
	Host        string
	Status      Status
	Elapsed     time.Duration
	Diagnostic  string // bounded captured output or error text
	Fingerprint string // the fingerprint now applied, on success
}

// =============================================================================
// Report
// =============================================================================

// Report aggregates a run's outcomes for machine and human consumption.
type Report struct {
	RunID    string
	Selector string
	Outcomes []Outcome
}

// NothingToDo reports whether the selector matched no hosts. Distinct
// from an error and from a run where every host converged.
func (r *Report) NothingToDo() bool {
	return len(r.Outcomes) == 0
}

// Failed reports whether any targeted host ended in a status that is
// neither succeeded nor skipped-as-already-converged.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if !o.Status.OK() {
			return true
		}
	}
	return false
}

// Counts tallies outcomes by status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// ExitCode classifies the run for the CLI: 0 when everything is
// converged or there was nothing to do, 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 1
	}
	return 0
}
