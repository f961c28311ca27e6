// Package dialer implements the egress connector: the outbound side of the
// proxy that opens TCP connections to origin hosts.
//
// Dialers implement a small interface (DialContext). The direct dialer
// connects straight to the origin; the others reach it through an upstream
// proxy (HTTP CONNECT, SOCKS5, or SSH). Every dial failure, DNS resolution
// included, is reported as ErrUpstreamUnreachable. Dialers never retry.
package dialer
