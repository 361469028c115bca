// Package engine is the composition root that assembles the toolrelay
// components from configuration and exposes them through a frontend-agnostic
// API. Frontends (the CLI, an admin service) run turns through Session
// values, observe activity through an EventBus, and never wire the
// lower-level packages themselves.
package engine
