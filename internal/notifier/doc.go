// Package notifier renders check-in messages and sends them through a
// transport.Adapter.
//
// # Throttling
//
// Every send waits on a shared token bucket so bursts of pings that fall on
// the same minute stay under the platform's per-bot limit. Transient send
// errors are retried with jittered exponential backoff; the caller only sees
// the final error.
//
// # Events
//
// notifier.sent and notifier.failed are published on the event bus with a
// NotificationEvent payload.
package notifier
