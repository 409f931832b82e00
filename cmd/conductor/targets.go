package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/artpar/conductor/internal/core/domain"
)

// PortfolioFile is the document read by `conductor portfolio -f`.
//
//	profile: portfolio
//	concurrency: 4
//	secrets: [SESSION_KEY]
//	config:
//	  health_url: https://status.example.com
//	targets:
//	  - service: billing
//	    environment: staging
//	  - service: search
//	    environment: production
//	    address: ssh://deploy@build-01:22
type PortfolioFile struct {
	Profile     string          `yaml:"profile"`
	Concurrency int             `yaml:"concurrency"`
	Secrets     []string        `yaml:"secrets"`
	Config      map[string]any  `yaml:"config"`
	Targets     []domain.Target `yaml:"targets"`
}

// LoadPortfolioFile reads and validates a portfolio document.
func LoadPortfolioFile(path string) (*PortfolioFile, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read portfolio file: %w", err)
	}
	return ParsePortfolioFile(data)
}

// ParsePortfolioFile decodes a portfolio document. Unknown fields are
// rejected so that typos do not silently drop targets.
func ParsePortfolioFile(data []byte) (*PortfolioFile, error) {
	var pf PortfolioFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("portfolio file is empty")
		}
		return nil, fmt.Errorf("parse portfolio file: %w", err)
	}

	if len(pf.Targets) == 0 {
		return nil, errors.New("portfolio file lists no targets")
	}
	seen := make(map[string]bool, len(pf.Targets))
	for i, t := range pf.Targets {
		if t.Service == "" || t.Environment == "" {
			return nil, fmt.Errorf("target %d needs service and environment", i)
		}
		if _, err := domain.ParseAddress(t.Address); err != nil {
			return nil, fmt.Errorf("target %s: %w", t, err)
		}
		if seen[t.String()] {
			return nil, fmt.Errorf("target %s is listed twice", t)
		}
		seen[t.String()] = true
	}
	if pf.Concurrency < 0 {
		return nil, errors.New("concurrency must not be negative")
	}
	return &pf, nil
}
