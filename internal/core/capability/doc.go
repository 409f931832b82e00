// Package capability implements the capability catalog and the Registry a
// deployment consults to decide which optional behaviours run inside each
// phase.
//
// Prerequisites are auto-enabled: Enable("compliance-checks", nil) also
// enables basic-validation, comprehensive-validation and audit-logging, in
// the deterministic order returned by ResolveOrder. Disable cascades the
// other way, switching off every enabled capability that depends on the
// one being disabled. Either way the registry never holds a capability
// whose prerequisites are not enabled.
package capability
