// Package executor runs platform CLI commands on the local machine or on a
// remote host over SSH.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/domain"
)

// Backend runs one command to completion. A non-zero exit is reported in the
// Result with a nil error; errors mean the command could not be run at all
// (start failure, unreachable host, timeout).
type Backend interface {
	Run(ctx context.Context, cmd command.Command) (command.Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, cmd command.Command) (command.Result, error)

func (f BackendFunc) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	return f(ctx, cmd)
}

// Config selects and tunes the runner for a target.
type Config struct {
	CommandTimeout time.Duration
	WorkDir        string
	Env            []string
	SSH            SSHSettings
	Logger         *slog.Logger
}

// SSHSettings are the defaults for ssh:// targets. The address may override
// the user and port.
type SSHSettings struct {
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ForTarget picks the runner from the target address.
func ForTarget(target domain.Target, cfg Config) (Backend, error) {
	addr, err := domain.ParseAddress(target.Address)
	if err != nil {
		return nil, err
	}

	switch addr.Kind {
	case domain.AddressLocal:
		return NewLocalRunner(LocalConfig{
			Timeout: cfg.CommandTimeout,
			Dir:     cfg.WorkDir,
			Env:     cfg.Env,
			Logger:  cfg.Logger,
		}), nil
	case domain.AddressSSH:
		if cfg.SSH.KeyFile == "" {
			return nil, fmt.Errorf("%w: ssh target %s needs ssh.key_file", ErrUnsupportedHost, target.Address)
		}
		key, err := os.ReadFile(cfg.SSH.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		user := addr.User
		if user == "" {
			user = cfg.SSH.User
		}
		return NewSSHRunner(SSHConfig{
			User:           user,
			Host:           addr.Host,
			Port:           addr.Port,
			PrivateKey:     key,
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
			CommandTimeout: cfg.CommandTimeout,
			WorkDir:        cfg.WorkDir,
			Logger:         cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHost, addr.Kind)
	}
}
