// Package httpserver assembles the single HTTP listener of tunnelvision-server.
//
// Router mounts, in order of precedence:
//
//	/ws         viewer WebSocket endpoint
//	/ws/host    host WebSocket endpoint, behind the API-key middleware
//	/metrics    Prometheus exposition
//	/api/*      REST handlers (package api)
//	/*          static front-end assets with SPA fallback to index.html
//
// Cross-origin GET requests are allowed from any origin (go-chi/cors) so a
// front-end served from a dev server on another port can reach the API.
package httpserver
