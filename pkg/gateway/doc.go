// Package gateway is the daemon's control plane.
//
// One listener serves a websocket at /ws (request frames plus a sequenced
// event stream), one-shot JSON RPCs at POST /rpc, /healthz and /metrics.
// When a shared secret is configured, websocket clients must answer an
// HMAC-SHA256 challenge before any request is served.
package gateway
