// Package proxy implements the ingress side of the proxy and the per
// connection plumbing shared with the egress side.
//
// ReadRequest and Negotiator parse the first HTTP request on a connection
// and open the matching upstream. Relay pumps bytes both ways between two
// connections, which may be sockets or multiplexed streams. HTTPProxyServer
// and SOCKS5Server are the listener front-ends; ListenTCP applies keepalive
// and a per-client connection limit to their sockets.
package proxy
