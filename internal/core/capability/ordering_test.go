package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Catalog Tests
// =============================================================================

func TestCatalog_PrerequisitesAreKnown(t *testing.T) {
	for _, d := range Catalog() {
		for _, p := range d.Prerequisites {
			assert.True(t, Known(p), "%s requires unknown %s", d.Name, p)
		}
	}
}

func TestCatalog_Acyclic(t *testing.T) {
	var all []string
	for _, d := range Catalog() {
		all = append(all, d.Name)
	}

	order, err := ResolveOrder(all)
	require.NoError(t, err)
	assert.Len(t, order, len(all))
}

func TestLookup(t *testing.T) {
	d, err := Lookup(ComplianceChecks)
	require.NoError(t, err)
	assert.Equal(t, CategoryEnterprise, d.Category)
	assert.Equal(t, []string{ComprehensiveValidation, AuditLogging}, d.Prerequisites)

	_, err = Lookup("teleport")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestCatalog_ReturnsCopy(t *testing.T) {
	defs := Catalog()
	defs[1].Prerequisites[0] = "mutated"

	d, _ := Lookup(ComprehensiveValidation)
	assert.Equal(t, []string{BasicValidation}, d.Prerequisites)
}

// =============================================================================
// ResolveOrder Tests
// =============================================================================

func TestResolveOrder_PrerequisitesFirst(t *testing.T) {
	order, err := ResolveOrder([]string{ComplianceChecks})
	require.NoError(t, err)

	assert.Equal(t, []string{
		BasicValidation,
		ComprehensiveValidation,
		AuditLogging,
		ComplianceChecks,
	}, order)
}

func TestResolveOrder_LaterCatalogPrerequisite(t *testing.T) {
	order, err := ResolveOrder([]string{MultiRegionDatabase})
	require.NoError(t, err)

	assert.Equal(t, []string{
		HealthCheck,
		DatabaseMigration,
		HighAvailability,
		MultiRegionReplication,
		MultiRegionDatabase,
	}, order)
}

func TestResolveOrder_Deterministic(t *testing.T) {
	input := []string{DisasterRecovery, ProductionTesting, SecretCoordination, MultiRegionDatabase}
	first, err := ResolveOrder(input)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := ResolveOrder(input)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	reversed := []string{MultiRegionDatabase, SecretCoordination, ProductionTesting, DisasterRecovery}
	fromReversed, err := ResolveOrder(reversed)
	require.NoError(t, err)
	assert.Equal(t, first, fromReversed)
}

func TestResolveOrder_Unknown(t *testing.T) {
	_, err := ResolveOrder([]string{BasicValidation, "teleport"})
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestDependentsOf(t *testing.T) {
	within := map[string]bool{
		BasicValidation:         true,
		ComprehensiveValidation: true,
		AuditLogging:            true,
		ComplianceChecks:        true,
		HealthCheck:             true,
	}

	assert.Equal(t, []string{ComprehensiveValidation, ComplianceChecks}, DependentsOf(BasicValidation, within))
	assert.Empty(t, DependentsOf(HealthCheck, within))
}
