// Package app assembles the bridge, its capabilities and the network stack
// from configuration, and tracks the content views opened through it.
//
// Example Usage:
//
//	a, err := app.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	view, script, err := a.Preview(ctx, "demo.user.js")
package app
