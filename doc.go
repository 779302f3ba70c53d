// Package meshrpc provides a broker-agnostic coordination substrate
// for distributed edge applications: request/response RPC and
// telemetry over pub/sub messaging, causally ordered by hybrid
// logical clocks, plus a shared key/value coordination store with
// conditional writes, fencing tokens, expiry, and change notification.
//
// # Layers
//
// Everything is built on a small transport interface (see transport):
// topic-addressed publish, filter-addressed subscribe, per-message
// metadata, at-least-once delivery. Bridges adapt it to real brokers:
//
//   - transport/mqttbridge: MQTT v5 over TCP, TLS, or WebSocket
//   - transport/natsbridge: NATS core with header-mapped metadata
//   - transport/memory: in-process broker for tests
//
// On top of the transport sit the protocol channels:
//
//   - rpc: typed Invoker and Executor pairs correlated by response
//     topic and correlation id, with request dedup, concurrency
//     limiting, and structured error propagation
//   - telemetry: typed one-way Sender and Receiver fan-out
//   - statestore: client and server for the shared coordination store
//
// Every message carries a hybrid logical clock stamp (see hlc);
// receivers merge remote stamps so causally related messages compare
// consistently across nodes regardless of wall-clock skew.
//
// # Topics
//
// Topic templates use {token} placeholders over '/'-separated levels
// (see topic). Channels resolve tokens at construction or per call,
// and executors recover token values from incoming topics, so one
// executor can serve a wildcard of resources.
package meshrpc
