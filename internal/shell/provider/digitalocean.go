package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/digitalocean/godo"

	coreprovider "github.com/artpar/conductor/internal/core/provider"
)

// DigitalOceanLister lists DigitalOcean regions.
type DigitalOceanLister struct {
	client *godo.Client
	logger *slog.Logger
}

// NewDigitalOceanLister creates a DigitalOcean region lister.
func NewDigitalOceanLister(apiToken, endpoint string, logger *slog.Logger) (*DigitalOceanLister, error) {
	client := godo.NewFromToken(apiToken)
	if endpoint != "" {
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid DigitalOcean endpoint: %w", err)
		}
		client.BaseURL = u
	}
	return &DigitalOceanLister{
		client: client,
		logger: logger.With("provider", coreprovider.DigitalOcean),
	}, nil
}

// ListRegions returns DigitalOcean regions, or the static catalog when the
// API is unreachable.
func (l *DigitalOceanLister) ListRegions(ctx context.Context) ([]coreprovider.Region, error) {
	doRegions, _, err := l.client.Regions.List(ctx, &godo.ListOptions{PerPage: 100})
	if err != nil {
		l.logger.Warn("list regions failed, using static catalog", "error", err)
		return coreprovider.DigitalOceanRegions(), nil
	}

	regions := make([]coreprovider.Region, 0, len(doRegions))
	for _, r := range doRegions {
		regions = append(regions, coreprovider.Region{
			ID:        r.Slug,
			Name:      r.Name,
			Available: r.Available,
		})
	}
	return regions, nil
}
