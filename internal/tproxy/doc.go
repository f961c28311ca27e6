// Package tproxy implements the transparent proxy front-end: a listener for
// connections redirected by the host firewall and a Server that relays each
// one to its original destination through a dialer.
//
// Linux sets IP_TRANSPARENT and reads SO_ORIGINAL_DST, falling back to the
// local address for TPROXY rules. FreeBSD (IP_BINDANY) and OpenBSD
// (SO_BINDANY) take the original destination from the local address. Other
// platforms report the feature as unsupported.
package tproxy
