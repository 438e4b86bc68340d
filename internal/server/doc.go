/*
Package server exposes the bridge to pages outside a content view.

Routes:

  - GET /health: capabilities, in-flight calls, pending network tasks
  - GET /metrics: Prometheus metrics of the bridge
  - GET /ws: websocket content channel; text frames carry call envelopes
    and responses are written back as response envelopes
  - GET /scripts/bridge.js: websocket transport, bridge client and the
    GM_xmlhttpRequest shim in one script

Each websocket connection is its own channel with a write lock, so
responses completing on network goroutines never interleave frames.
*/
package server
