// Package provider lists live cloud regions so multi-region deployments can
// be checked before anything is deployed. This is part of the imperative
// shell; the static catalogs and validation live in core/provider.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	coreprovider "github.com/artpar/conductor/internal/core/provider"
)

// RegionLister returns the regions a provider currently offers.
type RegionLister interface {
	ListRegions(ctx context.Context) ([]coreprovider.Region, error)
}

// Config selects a lister.
type Config struct {
	Type        string                   `mapstructure:"type"`
	Credentials coreprovider.Credentials `mapstructure:"credentials"`

	// Endpoint overrides the provider API base URL.
	Endpoint string `mapstructure:"endpoint"`
}

// StaticLister serves a fixed catalog.
type StaticLister struct {
	Regions []coreprovider.Region
}

func (s StaticLister) ListRegions(context.Context) ([]coreprovider.Region, error) {
	return append([]coreprovider.Region(nil), s.Regions...), nil
}

// NewRegionLister creates a live lister for the configured provider. Without
// credentials the provider's static catalog is used.
func NewRegionLister(cfg Config, logger *slog.Logger) (RegionLister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := coreprovider.ValidateCredentials(cfg.Type, cfg.Credentials); err != nil {
		regions, staticErr := coreprovider.StaticRegions(cfg.Type)
		if staticErr != nil {
			return nil, staticErr
		}
		logger.Debug("using static region catalog", "provider", cfg.Type, "reason", err)
		return StaticLister{Regions: regions}, nil
	}

	switch cfg.Type {
	case coreprovider.AWS:
		return NewAWSLister(cfg.Credentials, cfg.Endpoint, logger), nil
	case coreprovider.DigitalOcean:
		return NewDigitalOceanLister(cfg.Credentials.APIToken, cfg.Endpoint, logger)
	case coreprovider.Hetzner:
		return NewHetznerLister(cfg.Credentials.APIToken, cfg.Endpoint, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", coreprovider.ErrUnknownProvider, cfg.Type)
	}
}
