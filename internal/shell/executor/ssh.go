package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/crypto"
	"github.com/artpar/conductor/internal/core/domain"
)

// SSHConfig configures an SSHRunner.
type SSHConfig struct {
	User       string
	Host       string
	Port       int
	PrivateKey []byte

	// KnownHostsFile pins host keys. Empty accepts any host key.
	KnownHostsFile string

	ConnectTimeout time.Duration // Default: 10 seconds
	CommandTimeout time.Duration // Default: 5 minutes
	WorkDir        string
	Logger         *slog.Logger
}

// SSHRunner runs commands on a remote host. One connection is kept open and
// reused; each command gets its own session.
type SSHRunner struct {
	addr     string
	config   *ssh.ClientConfig
	timeout  time.Duration
	workDir  string
	logger   *slog.Logger
	mu       sync.Mutex // Protects client
	client   *ssh.Client
	dialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// NewSSHRunner creates an SSH runner. No connection is made until Run.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	signer, err := crypto.ParseSSHPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: ssh host is required", domain.ErrValidation)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &SSHRunner{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.ConnectTimeout,
		},
		timeout:  cfg.CommandTimeout,
		workDir:  cfg.WorkDir,
		logger:   cfg.Logger.With("component", "executor", "host", addr, "identity", crypto.Fingerprint(signer.PublicKey())),
		dialFunc: ssh.Dial,
	}, nil
}

// =============================================================================
// Connection Management
// =============================================================================

// session opens a session, dialing or redialing as needed.
func (r *SSHRunner) session() (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		if s, err := r.client.NewSession(); err == nil {
			return s, nil
		}
		// Connection dead, reconnect
		r.client.Close()
		r.client = nil
	}

	client, err := r.dialFunc("tcp", r.addr, r.config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", r.addr, err)
	}
	r.client = client
	return client.NewSession()
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

// =============================================================================
// Command Execution
// =============================================================================

// Run executes cmd on the remote host.
func (r *SSHRunner) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	session, err := r.session()
	if err != nil {
		// An unreachable host often recovers; let the hook's retry policy decide.
		return command.Result{ExitCode: -1}, NewExecError("connect", cmd.String(), -1, "",
			fmt.Errorf("%w: %w: %v", ErrConnectionFailed, domain.ErrTransient, err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != "" {
		session.Stdin = strings.NewReader(cmd.Stdin)
	}

	line := remoteCommandLine(r.workDir, cmd.Argv())
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return command.Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)},
			NewExecError("run", cmd.String(), -1, "", ctx.Err())
	case <-time.After(r.timeout):
		_ = session.Signal(ssh.SIGTERM)
		return command.Result{ExitCode: -1, Duration: time.Since(start)},
			NewExecError("run", cmd.String(), -1, "", fmt.Errorf("%w after %v", domain.ErrTimeout, r.timeout))
	case runErr = <-done:
	}

	res := command.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	r.logger.Debug("command finished",
		"op", cmd.Op,
		"command", cmd.String(),
		"duration", res.Duration,
		"error", runErr,
	)

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		return res, nil
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		res.ExitCode = -1
		return res, NewExecError("run", cmd.String(), -1, res.Stderr,
			fmt.Errorf("%w: %w: %v", ErrConnectionFailed, domain.ErrTransient, runErr))
	}
}

// remoteCommandLine quotes argv for the remote shell.
func remoteCommandLine(dir string, argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	line := strings.Join(quoted, " ")
	if dir != "" {
		line = "cd " + shellQuote(dir) + " && " + line
	}
	return line
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./=:@,+", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
