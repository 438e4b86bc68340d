// Package config provides 12-factor configuration for the userscript bridge.
//
// Configuration is loaded from environment variables with defaults, and may
// be overlaid with a YAML file.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - Bridge: channel name, in-flight call bound, registry bound, unknown capability policy
//   - Network: timeouts, retries, rate limit, task bound, network error policy
//   - Content: script timeout, console capture
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	cfg, err := config.LoadFile("bridge.yaml")
//
// Environment Variables:
//   - PORT, HOST
//   - LOG_LEVEL, LOG_DEV
//   - BRIDGE_CHANNEL, BRIDGE_MAX_INFLIGHT, BRIDGE_MAX_CAPABILITIES, BRIDGE_UNKNOWN_POLICY
//   - NET_TIMEOUT, NET_RETRY_COUNT, NET_RETRY_WAIT, NET_RETRY_MAX_WAIT
//   - NET_RATE_LIMIT_RPS, NET_MAX_TASKS, NET_ERROR_POLICY, NET_USER_AGENT
//   - CONTENT_SCRIPT_TIMEOUT, CONTENT_CONSOLE
package config
