// Package mux carries many logical connections over one shared transport
// using the fixed-size frames of package frame.
//
// A Session owns exactly one writer goroutine, which drains a FIFO queue fed
// by every Stream, and one reader goroutine, which decodes frames and hands
// each payload to the Stream registered for its id in the routing table.
// Frames for ids with no entry are dropped and counted, never fatal.
//
// The client side of a link allocates ids with an Allocator and opens
// streams; the server side accepts a stream when the first data frame for a
// new id arrives. A zero-length frame is the end-of-stream marker for one
// direction, and an id becomes reusable only after both directions have ended
// and the local side has closed.
package mux
