// Package api implements the read-only REST endpoints of tunnelvision-server.
//
// Routes (all GET; any other method returns 405 with a JSON error body):
//
//	/api/hello               plain-text greeting, used by the front-end as a liveness check
//	/api/v1/health           channel and session counts, uptime
//	/api/v1/channels         every channel without its payload
//	/api/v1/channels/{key}   one channel including its payload; 404 if absent
//	/api/v1/snapshot         the same snapshot a newly connected viewer receives
//
// The handlers only read from the store and registries; every mutation goes
// through the dispatcher.
package api
