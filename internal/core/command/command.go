// Package command builds platform CLI invocations as typed values.
//
// Every invocation is scoped by where it runs (the local emulator or the
// remote platform) and which environment it targets. The four scopes are
// handled by one exhaustive switch in Scope.flags, so a local command can
// never pick up --remote or --env. This is a pure package; executing
// commands is the job of shell/executor.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/conductor/internal/core/domain"
)

// ErrUnsupportedOp is returned for an operation the builder does not know.
var ErrUnsupportedOp = errors.New("unsupported platform operation")

// =============================================================================
// Scope
// =============================================================================

// Scope is where a command runs and which environment it targets.
type Scope int

const (
	LocalProduction Scope = iota
	LocalNonProduction
	RemoteProduction
	RemoteNonProduction
)

// ScopeOf picks the scope for a remote flag and environment name.
func ScopeOf(remote bool, environment string) Scope {
	prod := environment == domain.EnvProduction
	switch {
	case remote && prod:
		return RemoteProduction
	case remote:
		return RemoteNonProduction
	case prod:
		return LocalProduction
	default:
		return LocalNonProduction
	}
}

// Remote reports whether the scope targets the remote platform.
func (s Scope) Remote() bool {
	return s == RemoteProduction || s == RemoteNonProduction
}

func (s Scope) String() string {
	switch s {
	case LocalProduction:
		return "local/production"
	case LocalNonProduction:
		return "local/non-production"
	case RemoteProduction:
		return "remote/production"
	case RemoteNonProduction:
		return "remote/non-production"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// flags returns the scope flags. The local emulator has no environments,
// and production is the platform's default environment.
func (s Scope) flags(environment string) ([]string, error) {
	switch s {
	case LocalProduction:
		return []string{"--local"}, nil
	case LocalNonProduction:
		return []string{"--local"}, nil
	case RemoteProduction:
		return []string{"--remote"}, nil
	case RemoteNonProduction:
		if environment == "" {
			return nil, domain.Validationf("remote non-production command needs an environment")
		}
		return []string{"--remote", "--env", environment}, nil
	default:
		return nil, fmt.Errorf("unknown command scope %d", int(s))
	}
}

// =============================================================================
// Operations
// =============================================================================

// Op identifies a platform operation.
type Op string

const (
	OpVersion         Op = "version"
	OpDeploy          Op = "deploy"
	OpRollback        Op = "rollback"
	OpMigrate         Op = "migrate"
	OpMigrateRollback Op = "migrate-rollback"
	OpSecretPut       Op = "secret-put"
	OpSecretDelete    Op = "secret-delete"
	OpBackup          Op = "backup"
	OpRestore         Op = "restore"
	OpScheduleBackups Op = "schedule-backups"
	OpCreateReplica   Op = "create-replica"
)

// Params carries the operation-specific inputs.
type Params struct {
	Name   string // secret name
	Value  string // secret value, sent on stdin
	File   string // backup file
	Region string
	Cron   string
}

// Command is a fully built platform invocation.
type Command struct {
	Op    Op
	Scope Scope
	Name  string
	Args  []string

	// Stdin is written to the process; secret values travel here so they
	// never appear in argv or logs.
	Stdin string
}

// Argv returns the binary followed by the arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the command for logs. Stdin is never included.
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// HasFlag reports whether flag appears in the arguments.
func (c Command) HasFlag(flag string) bool {
	for _, a := range c.Args {
		if a == flag {
			return true
		}
	}
	return false
}

// =============================================================================
// Builder
// =============================================================================

// Builder creates commands for one platform binary and database.
type Builder struct {
	Binary   string
	Database string
}

// NewBuilder returns a builder, defaulting the binary name.
func NewBuilder(binary, database string) Builder {
	if binary == "" {
		binary = "platform"
	}
	return Builder{Binary: binary, Database: database}
}

// Build creates the command for op in the given scope.
func (b Builder) Build(op Op, scope Scope, environment string, p Params) (Command, error) {
	base, err := b.baseArgs(op, p)
	if err != nil {
		return Command{}, err
	}

	cmd := Command{Op: op, Scope: scope, Name: b.Binary, Args: base}
	if op == OpVersion {
		return cmd, nil
	}

	flags, err := scope.flags(environment)
	if err != nil {
		return Command{}, err
	}
	cmd.Args = append(cmd.Args, flags...)
	if op == OpSecretPut {
		cmd.Stdin = p.Value
	}
	return cmd, nil
}

// For is Build with the scope derived from the remote flag and target.
func (b Builder) For(op Op, remote bool, target domain.Target, p Params) (Command, error) {
	return b.Build(op, ScopeOf(remote, target.Environment), target.Environment, p)
}

func (b Builder) baseArgs(op Op, p Params) ([]string, error) {
	switch op {
	case OpVersion:
		return []string{"--version"}, nil
	case OpDeploy:
		if p.Region != "" {
			return []string{"deploy", "--region", p.Region}, nil
		}
		return []string{"deploy"}, nil
	case OpRollback:
		if p.Region != "" {
			return []string{"rollback", "--region", p.Region}, nil
		}
		return []string{"rollback"}, nil
	case OpMigrate:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		return []string{"db", "migrations", "apply", b.Database}, nil
	case OpMigrateRollback:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		return []string{"db", "migrations", "rollback", b.Database}, nil
	case OpSecretPut:
		if p.Name == "" {
			return nil, domain.Validationf("secret put needs a name")
		}
		return []string{"secret", "put", p.Name}, nil
	case OpSecretDelete:
		if p.Name == "" {
			return nil, domain.Validationf("secret delete needs a name")
		}
		return []string{"secret", "delete", p.Name}, nil
	case OpBackup:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		if p.File == "" {
			return nil, domain.Validationf("backup needs an output file")
		}
		return []string{"db", "export", b.Database, "--output", p.File}, nil
	case OpRestore:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		if p.File == "" {
			return nil, domain.Validationf("restore needs an input file")
		}
		return []string{"db", "execute", b.Database, "--file", p.File}, nil
	case OpScheduleBackups:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		if p.Cron == "" {
			return nil, domain.Validationf("backup schedule needs a cron expression")
		}
		return []string{"db", "backups", "schedule", b.Database, "--cron", p.Cron}, nil
	case OpCreateReplica:
		if err := b.needDatabase(op); err != nil {
			return nil, err
		}
		if p.Region == "" {
			return nil, domain.Validationf("replica needs a region")
		}
		return []string{"db", "replicas", "create", b.Database, "--region", p.Region}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
	}
}

func (b Builder) needDatabase(op Op) error {
	if b.Database == "" {
		return domain.Validationf("%s needs a database name", op)
	}
	return nil
}
