// Package connmgr keeps one logical connection open to each remote tool
// service.
//
// Each service moves through Disconnected, Connecting, Connected and
// Backoff. Connection attempts happen only in [Manager.Reconcile], which
// [Manager.Run] calls in the background. [Manager.Invoke] never dials: when
// a service is not connected it fails fast with [ErrServiceUnavailable], and
// when a call hits a connectivity error the service drops to Backoff with
// an exponentially growing, jittered retry delay. A successful dial resets
// the failure count.
package connmgr
