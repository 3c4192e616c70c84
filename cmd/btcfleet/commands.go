package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tnorth/btcfleet/internal/core/deployplan"
	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/core/netplan"
	"github.com/tnorth/btcfleet/internal/shell/orchestrator"
	"github.com/tnorth/btcfleet/internal/shell/secrets"
	"github.com/tnorth/btcfleet/internal/shell/sshexec"
	"github.com/tnorth/btcfleet/internal/shell/store"
	"github.com/tnorth/btcfleet/internal/util/retry"
)

// =============================================================================
// Shared Setup
// =============================================================================

// app bundles the pieces every command needs: the parsed inventory,
// the secret store, and the convergence state store.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	inv     *inventory.Inventory
	secrets *secrets.FileStore
	store   store.Store
}

func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	data, err := os.ReadFile(cfg.Inventory.Path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	inv, err := inventory.Parse(data)
	if err != nil {
		return nil, err
	}

	secretStore, err := secrets.OpenFile(cfg.Secrets.Path, cfg.Secrets.Passphrase, logger)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Database.DSN); dir != "." && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	stateStore, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		inv:     inv,
		secrets: secretStore,
		store:   stateStore,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close state store", "error", err)
	}
}

// executor builds the SSH executor from the configured private key.
func (a *app) executor() (*sshexec.Executor, error) {
	if a.cfg.SSH.KeyPath == "" {
		return nil, fmt.Errorf("ssh.key_path is not configured")
	}
	key, err := os.ReadFile(a.cfg.SSH.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	return sshexec.NewExecutor(key, sshexec.Config{
		User:             a.cfg.SSH.User,
		Port:             a.cfg.SSH.Port,
		ConnectTimeout:   a.cfg.SSH.ConnectTimeout,
		RemoteDir:        a.cfg.SSH.RemoteDir,
		ProvisionCommand: a.cfg.SSH.ProvisionCommand,
		MaxDiagnostic:    a.cfg.SSH.MaxDiagnostic,
	}, a.logger)
}

// orchestrator wires the engine. A nil executor is fine for read-only
// commands (status, serve).
func (a *app) orchestrator(exec orchestrator.Executor, force bool) *orchestrator.Orchestrator {
	return orchestrator.New(a.inv, a.secrets, a.store, exec, orchestrator.Config{
		Workers:        a.cfg.Deploy.Workers,
		PerHostTimeout: a.cfg.Deploy.PerHostTimeout,
		Force:          force,
		Retry: retry.Config{
			MaxAttempts:  a.cfg.Deploy.MaxAttempts,
			InitialDelay: a.cfg.Deploy.RetryDelay,
			MaxDelay:     30 * a.cfg.Deploy.RetryDelay,
			Multiplier:   2.0,
		},
	}, a.logger)
}

// =============================================================================
// deploy
// =============================================================================

func cmdDeploy(cfg *Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	tag := fs.String("tag", "", "Target hosts carrying this tag")
	host := fs.String("host", "", "Target a single host by name")
	force := fs.Bool("force", false, "Apply even when fingerprints match")
	dryRun := fs.Bool("dry-run", false, "Print drift without touching any host")
	fs.Parse(args)

	selector, err := inventory.ParseSelector(*host, *tag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	defer a.close()

	if *dryRun {
		return printDrift(a, selector)
	}

	exec, err := a.executor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}

	report, err := a.orchestrator(exec, *force).Deploy(context.Background(), selector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	printReport(report)
	return report.ExitCode()
}

// printDrift is the dry-run view: the per-host drift the deploy would
// act on, filtered to the selector.
func printDrift(a *app, selector inventory.Selector) int {
	statuses, err := a.orchestrator(nil, false).Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tNEEDS APPLY\tFRESH\tAPPLIED")
	for _, s := range statuses {
		h, ok := a.inv.HostByName(s.Host)
		if !ok || !selector.Matches(h) {
			continue
		}
		fresh := s.Fresh
		if s.RenderError != "" {
			fresh = s.RenderError
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", s.Host, s.NeedsApply, short(fresh), short(s.Applied))
	}
	w.Flush()
	return ExitSuccess
}

// =============================================================================
// plan
// =============================================================================

func cmdPlan(cfg *Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.Parse(args)

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	defer a.close()

	plan, planErrs := netplan.PlanAll(a.inv)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tHOST\tADDRESS\tENDPOINT")
	for i := range a.inv.Networks {
		n := &a.inv.Networks[i]
		for _, assignment := range plan.Networks[n.Name] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Name, assignment.Host, assignment.Address, assignment.Endpoint)
		}
	}
	w.Flush()

	if len(planErrs) > 0 {
		for name, err := range planErrs {
			fmt.Fprintf(os.Stderr, "network %s: %v\n", name, err)
		}
		return ExitFailure
	}
	return ExitSuccess
}

// =============================================================================
// status
// =============================================================================

func cmdStatus(cfg *Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	defer a.close()

	return printDrift(a, inventory.All())
}

// =============================================================================
// run
// =============================================================================

func cmdRun(cfg *Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	tag := fs.String("tag", "", "Target hosts carrying this tag")
	host := fs.String("host", "", "Target a single host by name")
	command := fs.String("cmd", "", "Command to run on each host")
	fs.Parse(args)

	if *command == "" {
		fmt.Fprintln(os.Stderr, "error: -cmd is required")
		return ExitConfigError
	}
	selector, err := inventory.ParseSelector(*host, *tag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	defer a.close()

	exec, err := a.executor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}

	report, err := a.orchestrator(exec, false).RunCommand(context.Background(), selector, *command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	for _, outcome := range report.Outcomes {
		fmt.Printf("==> %s (%s)\n", outcome.Host, outcome.Status)
		if outcome.Diagnostic != "" {
			fmt.Println(outcome.Diagnostic)
		}
	}
	return report.ExitCode()
}

// =============================================================================
// secret
// =============================================================================

func cmdSecret(cfg *Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 || args[0] != "set" {
		fmt.Fprintln(os.Stderr, "usage: btcfleet secret set [-host H] KEY  (value read from stdin)")
		return ExitConfigError
	}

	fs := flag.NewFlagSet("secret set", flag.ExitOnError)
	host := fs.String("host", "", "Store the secret for one host instead of globally")
	fs.Parse(args[1:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: btcfleet secret set [-host H] KEY  (value read from stdin)")
		return ExitConfigError
	}
	key := fs.Arg(0)

	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && value == "" {
		fmt.Fprintf(os.Stderr, "error reading secret value: %v\n", err)
		return ExitConfigError
	}
	value = strings.TrimRight(value, "\r\n")

	secretStore, err := secrets.OpenFile(cfg.Secrets.Path, cfg.Secrets.Passphrase, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	if err := secretStore.Set(*host, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}
	if err := secretStore.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}

	return ExitSuccess
}

// =============================================================================
// Output Helpers
// =============================================================================

const timeRounding = 10 * time.Millisecond

func printReport(report *deployplan.Report) {
	if report.NothingToDo() {
		fmt.Println("nothing to do: selector matched no hosts")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATUS\tELAPSED\tDETAIL")
	for _, outcome := range report.Outcomes {
		detail := outcome.Fingerprint
		if !outcome.Status.OK() {
			detail = firstLine(outcome.Diagnostic)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			outcome.Host, outcome.Status, outcome.Elapsed.Round(timeRounding), short(detail))
	}
	w.Flush()

	counts := report.Counts()
	fmt.Printf("run %s: %d succeeded, %d converged, %d failed, %d unreachable, %d skipped\n",
		report.RunID,
		counts[deployplan.StatusSucceeded],
		counts[deployplan.StatusSkippedConverged],
		counts[deployplan.StatusFailed]+counts[deployplan.StatusPlanFailed]+counts[deployplan.StatusRenderFailed],
		counts[deployplan.StatusUnreachable],
		counts[deployplan.StatusSkippedDependencyUnmet])
}

func short(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
