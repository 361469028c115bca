// Package coordinator runs the tool calls of one model turn.
//
// [Coordinator.Run] detects candidates in the turn text, admits each one
// against the registry (known tool, permitted for the conversation, valid
// parameters) and dispatches the admitted calls. Calls to different services
// run concurrently; calls to the same service run one after another in
// detection order. Every candidate ends with exactly one terminal [Record],
// and the returned [Batch] lists them in detection order whatever order they
// completed in.
//
// A turn deadline fails the records still outstanding with [KindTimeout] and
// returns at once. Their calls unwind in the background; [Coordinator.Shutdown]
// waits for them.
package coordinator
