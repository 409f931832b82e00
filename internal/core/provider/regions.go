// Package provider holds the static cloud region catalogs and the pure
// checks multi-region deployments run against them. Live region lists come
// from shell/provider.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider names.
const (
	AWS          = "aws"
	DigitalOcean = "digitalocean"
	Hetzner      = "hetzner"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider type")
	ErrRegionUnavailable = errors.New("region not available")
)

// Region represents a cloud provider region.
type Region struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// =============================================================================
// Static Catalogs
// =============================================================================

// AWSRegions returns the commonly used AWS regions.
func AWSRegions() []Region {
	return []Region{
		{ID: "us-east-1", Name: "US East (N. Virginia)", Available: true},
		{ID: "us-east-2", Name: "US East (Ohio)", Available: true},
		{ID: "us-west-2", Name: "US West (Oregon)", Available: true},
		{ID: "eu-west-1", Name: "EU (Ireland)", Available: true},
		{ID: "eu-central-1", Name: "EU (Frankfurt)", Available: true},
		{ID: "ap-southeast-1", Name: "Asia Pacific (Singapore)", Available: true},
		{ID: "ap-northeast-1", Name: "Asia Pacific (Tokyo)", Available: true},
	}
}

// DigitalOceanRegions returns common DO regions.
func DigitalOceanRegions() []Region {
	return []Region{
		{ID: "nyc3", Name: "New York 3", Available: true},
		{ID: "sfo3", Name: "San Francisco 3", Available: true},
		{ID: "ams3", Name: "Amsterdam 3", Available: true},
		{ID: "lon1", Name: "London 1", Available: true},
		{ID: "fra1", Name: "Frankfurt 1", Available: true},
		{ID: "sgp1", Name: "Singapore 1", Available: true},
	}
}

// HetznerRegions returns Hetzner Cloud locations.
func HetznerRegions() []Region {
	return []Region{
		{ID: "nbg1", Name: "Nuremberg", Available: true},
		{ID: "fsn1", Name: "Falkenstein", Available: true},
		{ID: "hel1", Name: "Helsinki", Available: true},
		{ID: "ash", Name: "Ashburn, VA", Available: true},
		{ID: "hil", Name: "Hillsboro, OR", Available: true},
	}
}

// StaticRegions returns the static region catalog for a provider.
func StaticRegions(provider string) ([]Region, error) {
	switch provider {
	case AWS:
		return AWSRegions(), nil
	case DigitalOcean:
		return DigitalOceanRegions(), nil
	case Hetzner:
		return HetznerRegions(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// =============================================================================
// Region Validation
// =============================================================================

// ValidateRegions checks that every requested region is listed and
// available. The error names all missing regions, sorted.
func ValidateRegions(requested []string, available []Region) error {
	open := make(map[string]bool, len(available))
	for _, r := range available {
		if r.Available {
			open[r.ID] = true
		}
	}

	var missing []string
	for _, id := range requested {
		if !open[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrRegionUnavailable, strings.Join(missing, ", "))
}

// Dedupe returns regions with blanks and repeats removed, keeping order.
func Dedupe(regions []string) []string {
	seen := make(map[string]bool, len(regions))
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
