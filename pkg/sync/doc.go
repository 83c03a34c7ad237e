// Package sync is the client SDK for the run synchronization service. Test
// instances use it to rendezvous with each other: claiming ordered sequence
// numbers, publishing and consuming ordered topics, signalling counters,
// waiting on barriers, and requesting network-condition changes from the
// per-host sidecar.
//
// Each client owns exactly one persistent websocket to the service. A
// single background goroutine multiplexes all concurrently issued
// operations over it: it assigns correlation ids, keeps the pending-request
// table, and routes responses (including the open-ended stream of
// subscription messages) back to their callers. Connection loss is
// terminal: there are no retries and no reconnection.
package sync
