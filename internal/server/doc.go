// Package server hosts the Fiber HTTP service, the request middleware chain and
// the hub registry that maps a Host header to one configured release source.
// Each HubRoute carries everything a request needs: the origin adapter, the
// memoized release listing and the asset server sharing the process-wide disk
// cache. Diagnostics live under /-/ and bypass Host lookup.
package server
