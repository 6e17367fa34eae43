// Package notifier delivers user-scoped events (job updates, message
// confirmations, connection status) to realtime sinks.
//
// Notify never blocks on delivery: events are queued and a small worker pool
// hands them to every configured Sink with rate limiting and retry.
//
// # Sinks
//
// The in-process event bus sink serves subscribers living in the same
// process. The Redis sink publishes a JSON envelope on "<prefix>:<owner>"
// for an external gateway.
//
// # History
//
// A bounded in-memory history of delivered events is kept for operators.
package notifier
