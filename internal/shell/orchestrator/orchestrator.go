// Package orchestrator drives fleet convergence: it resolves targets,
// renders their bundles, gates on dependencies and drift, and pushes
// work to hosts with bounded concurrency. Every targeted host ends in
// exactly one outcome.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tnorth/btcfleet/internal/core/deployplan"
	"github.com/tnorth/btcfleet/internal/core/drift"
	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/core/netplan"
	"github.com/tnorth/btcfleet/internal/core/render"
	"github.com/tnorth/btcfleet/internal/shell/secrets"
	"github.com/tnorth/btcfleet/internal/shell/store"
	"github.com/tnorth/btcfleet/internal/shell/sshexec"
	"github.com/tnorth/btcfleet/internal/util/retry"
)

// =============================================================================
// Executor Interface
// =============================================================================

// Executor is the remote side of a deployment, satisfied by
// sshexec.Executor. Defined here so tests can substitute a fake.
type Executor interface {
	Apply(ctx context.Context, host *inventory.Host, bundle *render.Bundle, assets map[string]string) (string, error)
	Exec(ctx context.Context, host *inventory.Host, command string) (string, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the orchestrator.
type Config struct {
	Workers        int           // Concurrent host operations. Default: 4
	PerHostTimeout time.Duration // Default: 5 minutes
	Retry          retry.Config
	Force          bool // Apply even when fingerprints match
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		PerHostTimeout: 5 * time.Minute,
		Retry:          retry.DefaultConfig(),
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator wires the pure planning and rendering cores to the
// stateful shell: secret resolution, remote execution, and the
// convergence store.
type Orchestrator struct {
	inventory *inventory.Inventory
	secrets   secrets.Store
	store     store.Store
	executor  Executor
	config    Config
	logger    *slog.Logger
}

// New creates an orchestrator over a validated inventory.
func New(inv *inventory.Inventory, secretStore secrets.Store, stateStore store.Store, executor Executor, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PerHostTimeout <= 0 {
		config.PerHostTimeout = defaults.PerHostTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}

	return &Orchestrator{
		inventory: inv,
		secrets:   secretStore,
		store:     stateStore,
		executor:  executor,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// prepared is one target that survived planning and rendering.
type prepared struct {
	host   *inventory.Host
	bundle *render.Bundle
	assets map[string]string
}

// Deploy converges every host the selector matches. Hosts whose
// dependencies never converge this run are skipped, converged hosts are
// skipped unless Force, and the rest are applied with bounded
// concurrency. The returned report carries one outcome per target.
func (o *Orchestrator) Deploy(ctx context.Context, selector inventory.Selector) (*deployplan.Report, error) {
	report := &deployplan.Report{Selector: selector.String()}

	targets := selector.Resolve(o.inventory)
	if len(targets) == 0 {
		o.logger.Info("selector matched no hosts", "selector", selector.String())
		return report, nil
	}

	plan, planErrs := netplan.PlanAll(o.inventory)
	renderer := o.renderer(plan)

	// Fresh fingerprints for every host, not just targets: dependency
	// gating needs to judge convergence of untargeted dependencies too.
	fresh := make(map[string]string)
	var ready []*prepared
	for i := range o.inventory.Hosts {
		h := &o.inventory.Hosts[i]
		failedNet := memberOfFailedNetwork(h, planErrs)
		bundle, renderErr := renderer.Render(h, plan, o.secrets)
		if renderErr == nil && failedNet == nil {
			fresh[h.Name] = bundle.Fingerprint
		}

		if !selector.Matches(h) {
			continue
		}
		switch {
		case failedNet != nil:
			report.Outcomes = append(report.Outcomes, deployplan.Outcome{
				Host:       h.Name,
				Status:     deployplan.StatusPlanFailed,
				Diagnostic: failedNet.Error(),
			})
		case renderErr != nil:
			report.Outcomes = append(report.Outcomes, deployplan.Outcome{
				Host:       h.Name,
				Status:     deployplan.StatusRenderFailed,
				Diagnostic: renderErr.Error(),
			})
		default:
			ready = append(ready, &prepared{host: h, bundle: bundle, assets: render.Assets(h, bundle)})
		}
	}

	applied, err := o.store.AppliedFingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load applied fingerprints: %w", err)
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		Selector:  selector.String(),
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	report.RunID = run.ID

	o.logger.Info("deploy run started",
		"run_id", run.ID,
		"selector", selector.String(),
		"targets", len(targets))

	o.schedule(ctx, report, run.ID, ready, fresh, applied)

	for _, outcome := range report.Outcomes {
		if err := o.store.RecordOutcome(ctx, run.ID, outcome); err != nil {
			o.logger.Error("record outcome", "run_id", run.ID, "host", outcome.Host, "error", err)
		}
	}
	if err := o.store.FinishRun(ctx, run.ID, time.Now().UTC()); err != nil {
		o.logger.Error("finish run", "run_id", run.ID, "error", err)
	}

	counts := report.Counts()
	o.logger.Info("deploy run finished",
		"run_id", run.ID,
		"succeeded", counts[deployplan.StatusSucceeded],
		"converged", counts[deployplan.StatusSkippedConverged],
		"failed", report.Failed())
	return report, nil
}

// schedule runs dependency-ordered passes. Each pass dispatches every
// eligible host under the worker bound; a pass with no eligible hosts
// ends the run and marks leftovers dependency-unmet.
func (o *Orchestrator) schedule(ctx context.Context, report *deployplan.Report, runID string, pending []*prepared, fresh, applied map[string]string) {
	// converged tracks hosts whose applied fingerprint equals the fresh
	// one, seeded from the store and extended as applies succeed.
	converged := make(map[string]bool)
	for name, fp := range fresh {
		if applied[name] == fp {
			converged[name] = true
		}
	}

	var mu sync.Mutex // guards report.Outcomes, converged, applied

	for len(pending) > 0 {
		var eligible, blocked []*prepared
		for _, p := range pending {
			if o.dependenciesConverged(p.host, converged) {
				eligible = append(eligible, p)
			} else {
				blocked = append(blocked, p)
			}
		}

		if len(eligible) == 0 {
			for _, p := range blocked {
				report.Outcomes = append(report.Outcomes, deployplan.Outcome{
					Host:       p.host.Name,
					Status:     deployplan.StatusSkippedDependencyUnmet,
					Diagnostic: fmt.Sprintf("dependencies not converged: %v", p.host.DependsOn),
				})
			}
			return
		}

		eligible = orderPrepared(eligible)

		sem := make(chan struct{}, o.config.Workers)
		var wg sync.WaitGroup
		for _, p := range eligible {
			wg.Add(1)
			go func(p *prepared) {
				defer wg.Done()

				select {
				case <-ctx.Done():
					mu.Lock()
					report.Outcomes = append(report.Outcomes, deployplan.Outcome{
						Host:       p.host.Name,
						Status:     deployplan.StatusUnreachable,
						Diagnostic: ctx.Err().Error(),
					})
					mu.Unlock()
					return
				case sem <- struct{}{}:
					defer func() { <-sem }()
				}

				outcome := o.applyHost(ctx, runID, p, applied)

				mu.Lock()
				report.Outcomes = append(report.Outcomes, outcome)
				if outcome.Status == deployplan.StatusSucceeded || outcome.Status == deployplan.StatusSkippedConverged {
					converged[p.host.Name] = true
				}
				mu.Unlock()
			}(p)
		}
		wg.Wait()

		pending = blocked
	}
}

// applyHost converges a single host: drift check, bounded retries for
// transient failures, fingerprint recording on success.
func (o *Orchestrator) applyHost(ctx context.Context, runID string, p *prepared, applied map[string]string) deployplan.Outcome {
	logger := o.logger.With("host", p.host.Name)

	if !o.config.Force && !drift.NeedsApply(p.bundle.Fingerprint, applied[p.host.Name]) {
		logger.Debug("already converged", "fingerprint", p.bundle.Fingerprint)
		return deployplan.Outcome{
			Host:        p.host.Name,
			Status:      deployplan.StatusSkippedConverged,
			Fingerprint: p.bundle.Fingerprint,
		}
	}

	hostCtx, cancel := context.WithTimeout(ctx, o.config.PerHostTimeout)
	defer cancel()

	started := time.Now()
	var diagnostic string

	err := retry.Do(hostCtx, o.config.Retry, func() error {
		output, applyErr := o.executor.Apply(hostCtx, p.host, p.bundle, p.assets)
		if output != "" {
			diagnostic = output
		}
		if applyErr == nil {
			return nil
		}
		if sshexec.Retryable(applyErr) {
			logger.Warn("apply attempt failed, will retry", "error", applyErr)
			return applyErr
		}
		return retry.Fatal(applyErr)
	})

	elapsed := time.Since(started)

	if err != nil {
		status := deployplan.StatusUnreachable
		if retry.IsFatal(err) {
			status = deployplan.StatusFailed
		}
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		logger.Error("apply failed", "status", status, "elapsed", elapsed, "error", err)
		return deployplan.Outcome{
			Host:       p.host.Name,
			Status:     status,
			Elapsed:    elapsed,
			Diagnostic: diagnostic,
		}
	}

	// Recording is best-effort: the host already converged, and the next
	// run re-applies idempotently if the record is stale.
	if err := o.store.SetAppliedFingerprint(ctx, p.host.Name, p.bundle.Fingerprint, runID); err != nil {
		logger.Error("record applied fingerprint", "error", err)
	}

	logger.Info("host converged", "fingerprint", p.bundle.Fingerprint, "elapsed", elapsed)
	return deployplan.Outcome{
		Host:        p.host.Name,
		Status:      deployplan.StatusSucceeded,
		Elapsed:     elapsed,
		Fingerprint: p.bundle.Fingerprint,
	}
}

// dependenciesConverged reports whether every dependency of the host
// currently runs its fresh fingerprint.
func (o *Orchestrator) dependenciesConverged(h *inventory.Host, converged map[string]bool) bool {
	for _, dep := range h.DependsOn {
		if !converged[dep] {
			return false
		}
	}
	return true
}

// orderPrepared sorts eligible targets dependency-first so a dependency
// and its dependent dispatched in the same pass still land in order.
func orderPrepared(eligible []*prepared) []*prepared {
	hosts := make([]*inventory.Host, len(eligible))
	byName := make(map[string]*prepared, len(eligible))
	for i, p := range eligible {
		hosts[i] = p.host
		byName[p.host.Name] = p
	}

	ordered := deployplan.Order(hosts)
	result := make([]*prepared, 0, len(ordered))
	for _, h := range ordered {
		result = append(result, byName[h.Name])
	}
	return result
}

// =============================================================================
// Fleet Command
// =============================================================================

// RunCommand executes an arbitrary command on every host the selector
// matches, with the same concurrency bound and retry budget as deploys.
// Fingerprints are untouched; this is an operator convenience, not a
// convergence operation.
func (o *Orchestrator) RunCommand(ctx context.Context, selector inventory.Selector, command string) (*deployplan.Report, error) {
	report := &deployplan.Report{Selector: selector.String()}

	targets := selector.Resolve(o.inventory)
	if len(targets) == 0 {
		o.logger.Info("selector matched no hosts", "selector", selector.String())
		return report, nil
	}

	o.logger.Info("running fleet command", "selector", selector.String(), "targets", len(targets))

	var mu sync.Mutex
	sem := make(chan struct{}, o.config.Workers)
	var wg sync.WaitGroup

	for _, h := range targets {
		wg.Add(1)
		go func(h *inventory.Host) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				mu.Lock()
				report.Outcomes = append(report.Outcomes, deployplan.Outcome{
					Host:       h.Name,
					Status:     deployplan.StatusUnreachable,
					Diagnostic: ctx.Err().Error(),
				})
				mu.Unlock()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			outcome := o.execHost(ctx, h, command)

			mu.Lock()
			report.Outcomes = append(report.Outcomes, outcome)
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	return report, nil
}

func (o *Orchestrator) execHost(ctx context.Context, h *inventory.Host, command string) deployplan.Outcome {
	hostCtx, cancel := context.WithTimeout(ctx, o.config.PerHostTimeout)
	defer cancel()

	started := time.Now()
	var diagnostic string

	err := retry.Do(hostCtx, o.config.Retry, func() error {
		output, execErr := o.executor.Exec(hostCtx, h, command)
		if output != "" {
			diagnostic = output
		}
		if execErr == nil {
			return nil
		}
		if sshexec.Retryable(execErr) {
			return execErr
		}
		return retry.Fatal(execErr)
	})

	elapsed := time.Since(started)

	if err != nil {
		status := deployplan.StatusUnreachable
		if retry.IsFatal(err) {
			status = deployplan.StatusFailed
		}
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		return deployplan.Outcome{Host: h.Name, Status: status, Elapsed: elapsed, Diagnostic: diagnostic}
	}

	return deployplan.Outcome{Host: h.Name, Status: deployplan.StatusSucceeded, Elapsed: elapsed, Diagnostic: diagnostic}
}

// =============================================================================
// Status
// =============================================================================

// HostStatus is the drift view of one host.
type HostStatus struct {
	Host        string `json:"host"`
	Role        string `json:"role"`
	Fresh       string `json:"fresh_fingerprint,omitempty"`
	Applied     string `json:"applied_fingerprint,omitempty"`
	NeedsApply  bool   `json:"needs_apply"`
	RenderError string `json:"render_error,omitempty"`
}

// Status reports per-host drift without touching any host. Hosts whose
// bundle cannot be rendered carry the render error instead of a fresh
// fingerprint and are flagged as needing apply.
func (o *Orchestrator) Status(ctx context.Context) ([]HostStatus, error) {
	plan, planErrs := netplan.PlanAll(o.inventory)
	renderer := o.renderer(plan)

	applied, err := o.store.AppliedFingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load applied fingerprints: %w", err)
	}

	statuses := make([]HostStatus, 0, len(o.inventory.Hosts))
	for i := range o.inventory.Hosts {
		h := &o.inventory.Hosts[i]
		status := HostStatus{
			Host:    h.Name,
			Role:    string(h.Role),
			Applied: applied[h.Name],
		}

		if failedNet := memberOfFailedNetwork(h, planErrs); failedNet != nil {
			status.RenderError = failedNet.Error()
			status.NeedsApply = true
		} else if bundle, renderErr := renderer.Render(h, plan, o.secrets); renderErr != nil {
			status.RenderError = renderErr.Error()
			status.NeedsApply = true
		} else {
			status.Fresh = bundle.Fingerprint
			status.NeedsApply = drift.NeedsApply(bundle.Fingerprint, applied[h.Name])
		}

		statuses = append(statuses, status)
	}
	return statuses, nil
}

// =============================================================================
// Helpers
// =============================================================================

// renderer builds the per-run renderer, anchored on the monitoring
// server's overlay address from the plan.
func (o *Orchestrator) renderer(plan *netplan.FleetPlan) *render.Renderer {
	r := &render.Renderer{}
	server, ok := o.inventory.ServerHost()
	if !ok {
		return r
	}
	for _, netName := range server.Networks {
		if a, ok := plan.Assignment(netName, server.Name); ok {
			r.ServerIP = a.Address
			break
		}
	}
	return r
}

// memberOfFailedNetwork returns the planning error affecting the host,
// if any of its networks failed to plan. A failed network contributes
// no assignments, so every member is excluded, not just the host the
// pool ran out on.
func memberOfFailedNetwork(h *inventory.Host, planErrs map[string]error) error {
	for _, netName := range h.Networks {
		if err, ok := planErrs[netName]; ok {
			return err
		}
	}
	return nil
}
