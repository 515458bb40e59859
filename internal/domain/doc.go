// Package domain contains the core entities of the task tree engine: task nodes,
// their status state machine, executor configuration and the explicit
// executor/controller registrations built at startup. It is independent of any
// storage or delivery mechanism.
package domain
