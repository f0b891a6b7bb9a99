// Package journal persists routed realtime messages in batches.
//
// A Writer registers a handler per journaled message type, buffers the
// messages in a bounded channel and flushes them with COPY when a batch
// fills or the flush interval elapses. The journal is append-only.
package journal
