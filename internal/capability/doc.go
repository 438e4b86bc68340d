// Package capability provides the host operations exposed to userscripts:
// echo for diagnostics and xhr for network requests made through the
// network adapter.
package capability
