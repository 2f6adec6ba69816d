// Package aggregator merges the live audit, payment and support sources into
// one bounded, newest-first feed with an unread count.
//
// Each subscription is an actor: watcher snapshots, source errors and
// mark-all-read requests are posted to a single inbox and applied one at a
// time, so the feed and the previous unread count have exactly one writer.
package aggregator
