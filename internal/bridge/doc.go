/*
Package bridge implements the correlated call protocol between a content
context and host capabilities.

The content side (scripts/jsbridge.js) assigns every invoke a callbackId,
keeps the callback and posts a CallEnvelope on the bridge channel. The host
side parses the envelope, runs the registered capability and delivers a
ResponseEnvelope back through the Channel the call arrived on:

	b := bridge.New(bridge.Config{UnknownPolicy: bridge.PolicyDrop}, logger, metrics)
	b.Register("echo", capability.Echo(), false)

	view := content.New(content.DefaultConfig(), logger)
	view.Install(b.Extension())

Calls to unregistered capabilities, malformed envelopes and responses that
cannot be encoded are logged and dropped. With PolicyError, undispatched
calls receive a {"error": {"code", "message"}} response instead.
*/
package bridge
