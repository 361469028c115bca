// Package registry keeps the set of tools toolrelay can dispatch to.
//
// A [Registry] holds an immutable [Snapshot] behind an atomic pointer.
// [Registry.Sync] fetches the catalogs of all tool services concurrently,
// builds a new snapshot and swaps it in; lookups never block on a sync in
// progress. A service that cannot be reached keeps the tools it had in the
// previous snapshot, and on a cold start its last catalog can come from a
// [Cache] ([MemoryCache] or [RedisCache]).
//
// Each [ToolDescriptor] carries the tool's parameter schema. Validate checks
// candidate parameters against it, structurally and with a compiled JSON
// Schema.
package registry
