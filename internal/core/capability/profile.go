package capability

import (
	"errors"
	"fmt"
)

// Profile names a fixed preset of recommended capabilities.
type Profile string

const (
	ProfileSingle     Profile = "single"
	ProfilePortfolio  Profile = "portfolio"
	ProfileEnterprise Profile = "enterprise"
)

// ErrUnknownProfile is returned for a profile name that is not one of the three presets.
var ErrUnknownProfile = errors.New("unknown deployment profile")

// Profiles returns the three presets, smallest first.
func Profiles() []Profile {
	return []Profile{ProfileSingle, ProfilePortfolio, ProfileEnterprise}
}

// ParseProfile converts a name to a Profile.
func ParseProfile(name string) (Profile, error) {
	for _, p := range Profiles() {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

var singleSet = []string{
	BasicValidation,
	HealthCheck,
	SingleTargetDeploy,
	DatabaseMigration,
	SecretGeneration,
	AuditLogging,
}

var portfolioAdds = []string{
	ComprehensiveValidation,
	MultiTargetCoordination,
	SecretCoordination,
	IntegrationTesting,
}

var enterpriseAdds = []string{
	ComplianceChecks,
	HighAvailability,
	DisasterRecovery,
	MultiRegionDatabase,
	ProductionTesting,
	MultiRegionReplication,
	BackupBeforeDeploy,
}

// Recommended returns the capability set for a profile in resolved order.
// Every recommended set is closed under prerequisites.
func Recommended(p Profile) ([]string, error) {
	var names []string
	switch p {
	case ProfileSingle:
		names = singleSet
	case ProfilePortfolio:
		names = concat(singleSet, portfolioAdds)
	case ProfileEnterprise:
		names = concat(singleSet, portfolioAdds, enterpriseAdds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, p)
	}
	return ResolveOrder(names)
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
