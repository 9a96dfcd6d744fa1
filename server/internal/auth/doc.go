// Package auth provides authentication middleware for tunnelvision-server.
//
// APIKey(mode, header, key) returns HTTP middleware guarding the host
// endpoint. The key is read from the named request header, or from the "key"
// query parameter for clients that cannot set headers on a WebSocket upgrade.
//
// When mode != "apikey" or key == "", all requests pass through (the default
// for a local, single-user bridge). A missing or incorrect key is answered
// with 401 before the upgrade happens.
package auth
