// Package domain holds the pure value types of a deployment execution:
// phases, phase results, the execution state machine, target identity,
// audit events and the error taxonomy.
//
// Nothing in this package performs I/O. The orchestrator mutates a
// DeploymentExecution only through Transition, Record, Fail and Cancel so
// that the state machine and the "never succeeded with a failed phase"
// rule are enforced in one place.
package domain
