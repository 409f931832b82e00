package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/crypto"
	"github.com/artpar/conductor/internal/core/domain"
)

// Well-known keys of Options.Config.
const (
	ConfigHealthURL        = "health_url"
	ConfigIntegrationPaths = "integration_paths"
	ConfigSmokePaths       = "smoke_paths"
	ConfigRegions          = "regions"
	ConfigSecrets          = "secrets"
	ConfigBackupFile       = "backup_file"
	ConfigBackupCron       = "backup_cron"
)

// =============================================================================
// Options
// =============================================================================

// Options describe one execution.
type Options struct {
	// ExecutionID resumes an existing execution when it matches one.
	// A blank ID gets a fresh uuid.
	ExecutionID string

	Target domain.Target

	// IsRemote targets the remote platform instead of the local emulator.
	IsRemote bool

	ContinueOnError bool

	Secrets SecretProvider
	Config  map[string]any
}

// =============================================================================
// ExecutionContext
// =============================================================================

// ExecutionContext is what hooks may read about the running execution.
// Hooks never mutate it directly; outputs are recorded by the pipeline.
type ExecutionContext struct {
	ExecutionID  string
	Target       domain.Target
	Profile      string
	IsRemote     bool
	Capabilities capability.Set

	config  map[string]any
	secrets SecretProvider

	mu       sync.RWMutex
	outputs  map[domain.Phase]map[string]any
	resolved map[string]string
}

func newExecutionContext(id, profile string, opts Options, caps capability.Set) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:  id,
		Target:       opts.Target,
		Profile:      profile,
		IsRemote:     opts.IsRemote,
		Capabilities: caps,
		config:       cloneAny(opts.Config),
		secrets:      opts.Secrets,
		outputs:      make(map[domain.Phase]map[string]any),
	}
}

// Output returns a copy of what a prior phase produced.
func (c *ExecutionContext) Output(p domain.Phase) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAny(c.outputs[p])
}

// OutputString returns one string value of a prior phase's output.
func (c *ExecutionContext) OutputString(p domain.Phase, key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, _ := c.outputs[p][key].(string)
	return s
}

func (c *ExecutionContext) setOutput(p domain.Phase, out map[string]any) {
	c.mu.Lock()
	c.outputs[p] = cloneAny(out)
	c.mu.Unlock()
}

// Config returns a copy of the execution config.
func (c *ExecutionContext) Config() map[string]any {
	return cloneAny(c.config)
}

// ConfigString returns a string config value, or def when unset.
func (c *ExecutionContext) ConfigString(key, def string) string {
	if v, ok := c.config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigStrings returns a list config value. A comma-separated string is
// split, which is how lists arrive from flags and environment variables.
func (c *ExecutionContext) ConfigStrings(key string) []string {
	return configStrings(c.config, key)
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

// SharedSecrets reports whether secrets come from a portfolio-wide pool.
func (c *ExecutionContext) SharedSecrets() bool {
	_, ok := c.secrets.(*SecretPool)
	return ok
}

// Secrets resolves the execution's secrets once. Names listed under the
// "secrets" config key that the provider does not know are generated.
// Values are never checkpointed, so a resumed execution resolves again.
func (c *ExecutionContext) Secrets(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	if c.resolved != nil {
		out := cloneStrings(c.resolved)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	var (
		values map[string]string
		err    error
	)
	if c.secrets != nil {
		values, err = c.secrets.Secrets(ctx, c.Target)
		if err != nil {
			return nil, fmt.Errorf("resolve secrets for %s: %w", c.Target, err)
		}
	}
	values = cloneStrings(values)
	if values == nil {
		values = make(map[string]string)
	}
	for _, name := range c.ConfigStrings(ConfigSecrets) {
		if _, ok := values[name]; ok || name == "" {
			continue
		}
		v, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate secret %s: %w", name, err)
		}
		values[name] = v
	}

	c.mu.Lock()
	if c.resolved == nil {
		c.resolved = values
	}
	out := cloneStrings(c.resolved)
	c.mu.Unlock()
	return out, nil
}

// =============================================================================
// Secret Providers
// =============================================================================

// SecretProvider supplies secret values for a target. Values are opaque.
type SecretProvider interface {
	Secrets(ctx context.Context, target domain.Target) (map[string]string, error)
}

// StaticSecrets serves the same values to every target.
type StaticSecrets map[string]string

func (s StaticSecrets) Secrets(context.Context, domain.Target) (map[string]string, error) {
	return cloneStrings(s), nil
}

// EnvSecrets reads NAME=value pairs from environment variables carrying
// Prefix. CONDUCTOR_SECRET_API_KEY becomes API_KEY.
type EnvSecrets struct {
	Prefix string

	// Environ defaults to os.Environ.
	Environ func() []string
}

// DefaultSecretPrefix is used by EnvSecrets when Prefix is empty.
const DefaultSecretPrefix = "CONDUCTOR_SECRET_"

func (e EnvSecrets) Secrets(context.Context, domain.Target) (map[string]string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultSecretPrefix
	}
	environ := e.Environ
	if environ == nil {
		environ = os.Environ
	}

	out := make(map[string]string)
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		if name = strings.TrimPrefix(name, prefix); name != "" {
			out[name] = value
		}
	}
	return out, nil
}

// SecretPool resolves secrets once and serves the same values to every
// execution of a portfolio run. After the first call it is read-only.
type SecretPool struct {
	source SecretProvider
	names  []string

	once   sync.Once
	mu     sync.RWMutex
	values map[string]string
	err    error
}

// NewSecretPool wraps source. Names the source lacks are generated once.
func NewSecretPool(source SecretProvider, names ...string) *SecretPool {
	return &SecretPool{source: source, names: names}
}

func (p *SecretPool) Secrets(ctx context.Context, target domain.Target) (map[string]string, error) {
	p.once.Do(func() {
		values := make(map[string]string)
		if p.source != nil {
			v, err := p.source.Secrets(ctx, target)
			if err != nil {
				p.err = err
				return
			}
			values = cloneStrings(v)
			if values == nil {
				values = make(map[string]string)
			}
		}
		for _, name := range p.names {
			if _, ok := values[name]; ok {
				continue
			}
			v, err := crypto.GenerateKey()
			if err != nil {
				p.err = err
				return
			}
			values[name] = v
		}
		p.mu.Lock()
		p.values = values
		p.mu.Unlock()
	})
	if p.err != nil {
		return nil, p.err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneStrings(p.values), nil
}

// Names returns the pooled secret names, sorted. It is empty until the
// pool has been resolved.
func (p *SecretPool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.values)
}

// =============================================================================
// Helpers
// =============================================================================

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAny(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
