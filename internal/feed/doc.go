// Package feed holds the notification model shared by the feed engine and
// the normalizers that map raw source documents into it.
//
// A Notification is the only value the engine materializes. Its Read flag is
// derived during each recompute and is never baked in by Normalize, so
// read-state changes do not require re-normalizing a snapshot.
package feed
