// Package rpc turns the pub/sub transport into a typed
// request/response channel.
//
// The Invoker publishes a request carrying a correlation identifier and
// a per-call response topic, then awaits the matching response or a
// timeout. The Executor subscribes to request topics, dispatches to
// user logic under a bounded concurrency ceiling, deduplicates retried
// requests through a TTL idempotency cache, and publishes a correlated
// response. Both sides stamp and merge hybrid logical clock readings so
// every exchange advances the causal order.
//
// Payload typing is a compile-time property: each channel instance is
// parameterized with a Serializer for its request and response types.
package rpc
