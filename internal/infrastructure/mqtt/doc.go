// Package mqtt connects the engine to an MQTT broker.
//
// The broker is an optional second ingress path next to the RPC surface:
// producers publish event payloads on {prefix}/events/{event_name} and the
// engine publishes retained execution and chain status documents on
// {prefix}/executions/{id}/status and {prefix}/chains/{id}/status.
//
// The client reconnects automatically, restores subscriptions after a
// reconnect and registers a retained last-will on {prefix}/system/status
// so consumers can tell when the engine is gone.
package mqtt
