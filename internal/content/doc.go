/*
Package content hosts userscripts in an isolated goja runtime.

A View owns one runtime and one goroutine. Every evaluation, timer callback
and message handler runs on that goroutine, so scripts see a single-threaded
event loop and host code never touches the runtime directly:

	view := content.New(content.DefaultConfig(), logger)
	defer view.Close()

	view.Install(ext)
	if err := view.Load(ctx, source); err != nil {
		return err
	}
	view.Evaluate("JSBridge._handleMessage(" + payload + ")")

Load replaces the runtime, so callbacks held by the previous page are
discarded together with it. Installed user scripts run on every Load,
document-start scripts before the page source and document-end scripts after.
*/
package content
