// Package middleware provides the HTTP middleware of the bridge server.
//
//   - CORS: cross-origin access to the bridge script and diagnostics
//   - RequestLogger: structured request logging through zap
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RequestLogger(logger))
package middleware
