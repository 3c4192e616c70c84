// Package sshexec applies rendered bundles to hosts over SSH. One
// operation walks the states connecting, transferring, executing; the
// terminal failures are classified so the orchestrator can decide what
// to retry.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tnorth/btcfleet/internal/core/crypto"
	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/core/render"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the executor.
type Config struct {
	User             string        // Default: btcfleet
	Port             int           // Default: 22
	ConnectTimeout   time.Duration // Default: 10 seconds
	RemoteDir        string        // Default: .btcfleet (relative to the remote home)
	ProvisionCommand string        // Default: btcfleet-provision
	MaxDiagnostic    int           // Diagnostic byte bound. Default: 4096
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		User:             "btcfleet",
		Port:             22,
		ConnectTimeout:   10 * time.Second,
		RemoteDir:        ".btcfleet",
		ProvisionCommand: "btcfleet-provision",
		MaxDiagnostic:    4096,
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs remote operations against fleet hosts. Connections are
// per-operation; fleet deploys touch each host once, so there is
// nothing to pool.
type Executor struct {
	config Config
	signer ssh.Signer
	logger *slog.Logger
}

// NewExecutor creates an executor authenticating with the given private
// key. The key is validated here so a bad key path fails at startup.
func NewExecutor(privateKey []byte, config Config, logger *slog.Logger) (*Executor, error) {
	signer, err := crypto.ParseSSHPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.User == "" {
		config.User = defaults.User
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.RemoteDir == "" {
		config.RemoteDir = defaults.RemoteDir
	}
	if config.ProvisionCommand == "" {
		config.ProvisionCommand = defaults.ProvisionCommand
	}
	if config.MaxDiagnostic == 0 {
		config.MaxDiagnostic = defaults.MaxDiagnostic
	}

	return &Executor{
		config: config,
		signer: signer,
		logger: logger.With("component", "sshexec"),
	}, nil
}

// =============================================================================
// Apply
// =============================================================================

// Apply pushes the rendered bundle and assets to the host and runs the
// provisioning procedure. The procedure is required to be idempotent;
// delivery is at-least-once. Returns the bounded diagnostic output of
// the remote procedure.
func (e *Executor) Apply(ctx context.Context, host *inventory.Host, bundle *render.Bundle, assets map[string]string) (string, error) {
	client, err := e.connect(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := e.transfer(client, host, bundle, assets); err != nil {
		return "", err
	}

	cmd := fmt.Sprintf("%s --env %s", e.config.ProvisionCommand, path.Join(e.config.RemoteDir, ".env"))
	output, err := e.run(ctx, client, host, cmd)
	if err != nil {
		return output, err
	}

	e.logger.Info("applied bundle",
		"host", host.Name,
		"fingerprint", bundle.Fingerprint,
		"assets", len(assets))
	return output, nil
}

// Exec runs an arbitrary command on the host and returns its bounded
// output. Used by the fleet run operation; no bundle is transferred and
// no fingerprint changes.
func (e *Executor) Exec(ctx context.Context, host *inventory.Host, command string) (string, error) {
	client, err := e.connect(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return e.run(ctx, client, host, command)
}

// =============================================================================
// States
// =============================================================================

func (e *Executor) connect(ctx context.Context, host *inventory.Host) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            e.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: known_hosts pinning once host keys are inventoried
		Timeout:         e.config.ConnectTimeout,
	}
	if host.Username != "" {
		config.User = host.Username
	}

	addr := net.JoinHostPort(host.SSHHostname, strconv.Itoa(e.config.Port))
	e.logger.Debug("connecting", "host", host.Name, "addr", addr)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, &Error{Host: host.Name, Kind: KindConnectFailed, Step: "connecting", Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return nil, &Error{Host: host.Name, Kind: classifyDial(r.err), Step: "connecting", Err: r.err}
		}
		return r.client, nil
	}
}

func (e *Executor) transfer(client *ssh.Client, host *inventory.Host, bundle *render.Bundle, assets map[string]string) error {
	fail := func(err error) error {
		return &Error{Host: host.Name, Kind: KindConnectFailed, Step: "transferring", Err: err}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fail(fmt.Errorf("open sftp: %w", err))
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(e.config.RemoteDir); err != nil {
		return fail(fmt.Errorf("create remote dir: %w", err))
	}

	envPath := path.Join(e.config.RemoteDir, ".env")
	if err := e.upload(sftpClient, envPath, []byte(bundle.Serialize()), 0o600); err != nil {
		return fail(err)
	}

	for rel, content := range assets {
		dst := path.Join(e.config.RemoteDir, "assets", rel)
		if err := sftpClient.MkdirAll(path.Dir(dst)); err != nil {
			return fail(fmt.Errorf("create asset dir %s: %w", path.Dir(dst), err))
		}
		if err := e.upload(sftpClient, dst, []byte(content), 0o644); err != nil {
			return fail(err)
		}
	}

	e.logger.Debug("transferred payload", "host", host.Name, "assets", len(assets))
	return nil
}

func (e *Executor) upload(client *sftp.Client, remotePath string, data []byte, mode os.FileMode) error {
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	return nil
}

func (e *Executor) run(ctx context.Context, client *ssh.Client, host *inventory.Host, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", &Error{Host: host.Name, Kind: KindConnectFailed, Step: "executing", Err: fmt.Errorf("create session: %w", err)}
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		diag := TruncateTail(output.String(), e.config.MaxDiagnostic)
		return diag, &Error{Host: host.Name, Kind: KindConnectFailed, Step: "executing", Err: ctx.Err()}
	case err := <-done:
		diag := TruncateTail(output.String(), e.config.MaxDiagnostic)
		if err != nil {
			return diag, &Error{Host: host.Name, Kind: KindExecFailed, Step: "executing", Err: err}
		}
		return diag, nil
	}
}

// =============================================================================
// Diagnostics
// =============================================================================

// TruncateTail bounds diagnostic output to max bytes, keeping the tail.
// The end of provisioning output is where the failure reason lives.
func TruncateTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "[...truncated] "
	if max <= len(marker) {
		return s[len(s)-max:]
	}
	return marker + s[len(s)-(max-len(marker)):]
}
