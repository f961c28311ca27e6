// Package frame implements the fixed-size link frame format.
//
// Every frame is exactly Size bytes:
//
//	[0, Capacity)             payload, zero padded
//	[Capacity, Capacity+8)    payload length, uint64
//	[Capacity+8, Capacity+16) connection id, uint64
//
// Both integers are little endian. There is no negotiation: peers of a link
// must agree on Capacity and byte order at build time.
package frame
