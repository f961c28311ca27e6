// Package socks5 speaks the SOCKS5 handshake on top of the message types of
// github.com/txthinking/socks5. Accept serves the ingress side; Connect
// drives a socks5:// upstream.
package socks5
