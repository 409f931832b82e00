package capability

import (
	"errors"
	"fmt"
)

// =============================================================================
// Capability Names
// =============================================================================

const (
	BasicValidation         = "basic-validation"
	ComprehensiveValidation = "comprehensive-validation"
	SingleTargetDeploy      = "single-target-deploy"
	MultiTargetCoordination = "multi-target-coordination"
	HealthCheck             = "health-check"
	IntegrationTesting      = "integration-testing"
	ProductionTesting       = "production-testing"
	DatabaseMigration       = "database-migration"
	MultiRegionDatabase     = "multi-region-database"
	SecretGeneration        = "secret-generation"
	SecretCoordination      = "secret-coordination"
	AuditLogging            = "audit-logging"
	ComplianceChecks        = "compliance-checks"
	HighAvailability        = "high-availability"
	MultiRegionReplication  = "multi-region-replication"
	BackupBeforeDeploy      = "backup-before-deploy"
	DisasterRecovery        = "disaster-recovery"
)

// Category groups capabilities for reporting.
type Category string

const (
	CategoryDeploymentMode Category = "deployment-mode"
	CategoryValidation     Category = "validation"
	CategoryTesting        Category = "testing"
	CategoryDatabase       Category = "database"
	CategorySecrets        Category = "secrets"
	CategoryEnterprise     Category = "enterprise"
	CategoryRecovery       Category = "recovery"
)

// ErrUnknownCapability is returned for a name not in the catalog.
var ErrUnknownCapability = errors.New("unknown capability")

// Definition is the static description of a capability.
type Definition struct {
	Name          string   `json:"name"`
	Category      Category `json:"category"`
	Description   string   `json:"description"`
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// =============================================================================
// Catalog
// =============================================================================

// catalog order is also the tie-break order for ResolveOrder.
var catalog = []Definition{
	{Name: BasicValidation, Category: CategoryValidation,
		Description: "Check target identity and environment before any side effect"},
	{Name: ComprehensiveValidation, Category: CategoryValidation,
		Description:   "Probe the platform CLI and configuration before deploying",
		Prerequisites: []string{BasicValidation}},
	{Name: SingleTargetDeploy, Category: CategoryDeploymentMode,
		Description: "Deploy one service to one environment"},
	{Name: MultiTargetCoordination, Category: CategoryDeploymentMode,
		Description:   "Deploy as one member of a coordinated portfolio",
		Prerequisites: []string{SingleTargetDeploy}},
	{Name: HealthCheck, Category: CategoryTesting,
		Description: "Call the service health endpoint after deploy"},
	{Name: IntegrationTesting, Category: CategoryTesting,
		Description:   "Exercise additional service endpoints after deploy",
		Prerequisites: []string{HealthCheck}},
	{Name: ProductionTesting, Category: CategoryTesting,
		Description:   "Run smoke checks against the production deployment",
		Prerequisites: []string{IntegrationTesting}},
	{Name: DatabaseMigration, Category: CategoryDatabase,
		Description: "Apply pending database migrations before deploy"},
	{Name: MultiRegionDatabase, Category: CategoryDatabase,
		Description:   "Configure read replicas in every replication region",
		Prerequisites: []string{DatabaseMigration, MultiRegionReplication}},
	{Name: SecretGeneration, Category: CategorySecrets,
		Description: "Resolve secrets and push them to the platform"},
	{Name: SecretCoordination, Category: CategorySecrets,
		Description:   "Share generated secrets across portfolio targets",
		Prerequisites: []string{SecretGeneration}},
	{Name: AuditLogging, Category: CategoryEnterprise,
		Description: "Persist an audit trail of every phase and capability"},
	{Name: ComplianceChecks, Category: CategoryEnterprise,
		Description:   "Enforce required configuration and audit policy",
		Prerequisites: []string{ComprehensiveValidation, AuditLogging}},
	{Name: HighAvailability, Category: CategoryEnterprise,
		Description:   "Require healthy replicas before reporting success",
		Prerequisites: []string{HealthCheck}},
	{Name: MultiRegionReplication, Category: CategoryEnterprise,
		Description:   "Deploy the service to every configured region",
		Prerequisites: []string{HighAvailability}},
	{Name: BackupBeforeDeploy, Category: CategoryRecovery,
		Description:   "Back up the database before migrating",
		Prerequisites: []string{DatabaseMigration}},
	{Name: DisasterRecovery, Category: CategoryRecovery,
		Description:   "Schedule recurring backups after a successful deploy",
		Prerequisites: []string{BackupBeforeDeploy}},
}

var catalogIndex = func() map[string]int {
	m := make(map[string]int, len(catalog))
	for i, d := range catalog {
		m[d.Name] = i
	}
	return m
}()

// Catalog returns every known capability in catalog order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	for i, d := range catalog {
		d.Prerequisites = append([]string(nil), d.Prerequisites...)
		out[i] = d
	}
	return out
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, error) {
	i, ok := catalogIndex[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	d := catalog[i]
	d.Prerequisites = append([]string(nil), d.Prerequisites...)
	return d, nil
}

// Known reports whether name is in the catalog.
func Known(name string) bool {
	_, ok := catalogIndex[name]
	return ok
}
