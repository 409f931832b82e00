package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/domain"
)

func TestParsePortfolioFile(t *testing.T) {
	pf, err := ParsePortfolioFile([]byte(`
profile: enterprise
concurrency: 4
secrets: [SESSION_KEY, API_KEY]
config:
  health_url: https://status.example.com
  regions: [us-east-1, eu-west-1]
targets:
  - service: billing
    environment: staging
  - service: search
    environment: production
    address: ssh://deploy@build-01:22
`))
	require.NoError(t, err)

	assert.Equal(t, "enterprise", pf.Profile)
	assert.Equal(t, 4, pf.Concurrency)
	assert.Equal(t, []string{"SESSION_KEY", "API_KEY"}, pf.Secrets)
	assert.Equal(t, "https://status.example.com", pf.Config["health_url"])
	assert.Equal(t, []any{"us-east-1", "eu-west-1"}, pf.Config["regions"])
	require.Len(t, pf.Targets, 2)
	assert.Equal(t, domain.Target{Service: "billing", Environment: "staging"}, pf.Targets[0])
	assert.Equal(t, "ssh://deploy@build-01:22", pf.Targets[1].Address)
}

func TestParsePortfolioFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty"},
		{"no targets", "profile: portfolio\n", "no targets"},
		{"missing environment", "targets:\n  - service: api\n", "needs service and environment"},
		{"duplicate", "targets:\n  - {service: api, environment: dev}\n  - {service: api, environment: dev}\n", "listed twice"},
		{"unknown field", "targets:\n  - {service: api, environment: dev, env: x}\n", "env"},
		{"bad address", "targets:\n  - {service: api, environment: dev, address: 'ftp://host'}\n", "api/dev"},
		{"negative concurrency", "concurrency: -1\ntargets:\n  - {service: api, environment: dev}\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePortfolioFile([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPortfolioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - {service: api, environment: dev}\n"), 0644))

	pf, err := LoadPortfolioFile(path)
	require.NoError(t, err)
	assert.Len(t, pf.Targets, 1)

	_, err = LoadPortfolioFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read portfolio file")
}
