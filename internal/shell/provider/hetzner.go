package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	coreprovider "github.com/artpar/conductor/internal/core/provider"
)

// HetznerLister lists Hetzner Cloud locations.
type HetznerLister struct {
	client *hcloud.Client
	logger *slog.Logger
}

// NewHetznerLister creates a Hetzner location lister.
func NewHetznerLister(apiToken, endpoint string, logger *slog.Logger) *HetznerLister {
	opts := []hcloud.ClientOption{hcloud.WithToken(apiToken)}
	if endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(endpoint))
	}
	return &HetznerLister{
		client: hcloud.NewClient(opts...),
		logger: logger.With("provider", coreprovider.Hetzner),
	}
}

// ListRegions returns Hetzner locations, or the static catalog when the API
// is unreachable.
func (l *HetznerLister) ListRegions(ctx context.Context) ([]coreprovider.Region, error) {
	locations, _, err := l.client.Location.List(ctx, hcloud.LocationListOpts{})
	if err != nil {
		l.logger.Warn("list locations failed, using static catalog", "error", err)
		return coreprovider.HetznerRegions(), nil
	}

	regions := make([]coreprovider.Region, 0, len(locations))
	for _, loc := range locations {
		regions = append(regions, coreprovider.Region{
			ID:        loc.Name,
			Name:      fmt.Sprintf("%s (%s)", loc.City, loc.Country),
			Available: true,
		})
	}
	return regions, nil
}
