// Package notifier delivers broadcast messages asynchronously.
//
// Messages are queued and sent by a small worker pool through a Sender
// (the Telegram adapter in production). Sends share a global rate limit and
// are retried with jittered exponential backoff.
//
// # Dedup
//
// Every notification has a dedup key, either explicit (Notification.Key) or
// derived from the target and text. A key that was sent within DedupWindow
// is suppressed. With PersistDedup the window is also written to store
// marks, so a restart does not repeat a broadcast.
//
// # History
//
// The service keeps a short in-memory history of recent sends and failures.
package notifier
