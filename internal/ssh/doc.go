// Package ssh holds the SSH client plumbing used by the ssh:// upstream:
// handshake over an existing connection, key and agent loading, and
// known_hosts verification with trust on first use.
//
// Channel dialing and transport reuse live in internal/dialer.
package ssh
