// Package admin serves operational endpoints for a peer: the standard gRPC
// health service, reporting SERVING while the peer is an active ring member,
// and the Prometheus metrics page over HTTP.
package admin
