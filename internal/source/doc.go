// Package source adapts live queries against the external document store into
// per-category snapshot streams.
//
// Every emission is the complete current set of records matching a query
// (snapshot-replace, never a delta). A Watcher wraps one Source with an
// explicit lifecycle:
//
//	Unsubscribed -> Subscribing -> Active -> (Error | Unsubscribed)
//
// Watchers never retry and never propagate a failure beyond their own error
// callback; retry policy, if any, belongs to the store client.
package source
