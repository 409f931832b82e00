package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/domain"
)

type countingSecrets struct {
	calls  atomic.Int64
	values map[string]string
	err    error
}

func (c *countingSecrets) Secrets(context.Context, domain.Target) (map[string]string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.values, nil
}

func TestStaticSecrets_ReturnsCopy(t *testing.T) {
	src := StaticSecrets{"A": "1"}
	got, err := src.Secrets(context.Background(), testTarget)
	require.NoError(t, err)

	got["A"] = "changed"
	assert.Equal(t, "1", src["A"])
}

func TestEnvSecrets(t *testing.T) {
	env := EnvSecrets{Environ: func() []string {
		return []string{
			"PATH=/usr/bin",
			"CONDUCTOR_SECRET_API_KEY=abc=def",
			"CONDUCTOR_SECRET_=ignored",
			"CONDUCTOR_SECRET_DB_PASSWORD=pw",
		}
	}}

	got, err := env.Secrets(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "abc=def", "DB_PASSWORD": "pw"}, got)

	custom := EnvSecrets{Prefix: "APP_", Environ: func() []string { return []string{"APP_TOKEN=t", "CONDUCTOR_SECRET_X=y"} }}
	got, err = custom.Secrets(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "t"}, got)
}

func TestSecretPool_ResolvesOnce(t *testing.T) {
	src := &countingSecrets{values: map[string]string{"API_KEY": "given"}}
	pool := NewSecretPool(src, "SESSION_KEY", "API_KEY")

	var wg sync.WaitGroup
	results := make([]map[string]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := pool.Secrets(context.Background(), testTarget)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.calls.Load())
	for _, r := range results {
		assert.Equal(t, "given", r["API_KEY"])
		assert.NotEmpty(t, r["SESSION_KEY"])
		assert.Equal(t, results[0]["SESSION_KEY"], r["SESSION_KEY"])
	}
	assert.Equal(t, []string{"API_KEY", "SESSION_KEY"}, pool.Names())
}

func TestSecretPool_SourceError(t *testing.T) {
	src := &countingSecrets{err: errors.New("vault sealed")}
	pool := NewSecretPool(src)

	_, err := pool.Secrets(context.Background(), testTarget)
	assert.EqualError(t, err, "vault sealed")
	_, err = pool.Secrets(context.Background(), testTarget)
	assert.Error(t, err)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestSecretPool_NilSource(t *testing.T) {
	pool := NewSecretPool(nil, "TOKEN")
	got, err := pool.Secrets(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NotEmpty(t, got["TOKEN"])
}

func TestExecutionContext_SecretsGeneratedAndCached(t *testing.T) {
	src := &countingSecrets{values: map[string]string{"API_KEY": "given"}}
	ec := newExecutionContext("exec-1", "single", Options{
		Target:  testTarget,
		Secrets: src,
		Config:  map[string]any{ConfigSecrets: []any{"SESSION_KEY"}},
	}, capability.Set{})

	first, err := ec.Secrets(context.Background())
	require.NoError(t, err)
	second, err := ec.Secrets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, "given", first["API_KEY"])
	assert.NotEmpty(t, first["SESSION_KEY"])
	assert.Equal(t, first, second)
	assert.False(t, ec.SharedSecrets())

	first["API_KEY"] = "mutated"
	third, _ := ec.Secrets(context.Background())
	assert.Equal(t, "given", third["API_KEY"])
}

func TestExecutionContext_SecretsError(t *testing.T) {
	ec := newExecutionContext("exec-1", "single", Options{
		Target:  testTarget,
		Secrets: &countingSecrets{err: errors.New("denied")},
	}, capability.Set{})

	_, err := ec.Secrets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve secrets for api/staging")
}

func TestExecutionContext_Config(t *testing.T) {
	ec := newExecutionContext("exec-1", "single", Options{
		Target: testTarget,
		Config: map[string]any{
			ConfigHealthURL:  "https://api.example.dev/health",
			ConfigSmokePaths: "/a, /b ,/c",
			ConfigRegions:    []any{"us-east-1", 7, "eu-west-1"},
		},
	}, capability.Set{})

	assert.Equal(t, "https://api.example.dev/health", ec.ConfigString(ConfigHealthURL, "x"))
	assert.Equal(t, "fallback", ec.ConfigString(ConfigBackupFile, "fallback"))
	assert.Equal(t, []string{"/a", "/b", "/c"}, ec.ConfigStrings(ConfigSmokePaths))
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, ec.ConfigStrings(ConfigRegions))
	assert.Nil(t, ec.ConfigStrings(ConfigIntegrationPaths))

	cfg := ec.Config()
	cfg[ConfigHealthURL] = "changed"
	assert.Equal(t, "https://api.example.dev/health", ec.ConfigString(ConfigHealthURL, ""))
}

func TestExecutionContext_OutputsAreCopies(t *testing.T) {
	ec := newExecutionContext("exec-1", "single", Options{Target: testTarget}, capability.Set{})
	ec.setOutput(domain.PhaseDeploy, map[string]any{"url": "https://x.dev"})

	out := ec.Output(domain.PhaseDeploy)
	out["url"] = "changed"

	assert.Equal(t, "https://x.dev", ec.OutputString(domain.PhaseDeploy, "url"))
	assert.Empty(t, ec.OutputString(domain.PhaseVerify, "url"))
}
