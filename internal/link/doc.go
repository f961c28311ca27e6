// Package link carries mux sessions between the ingress and egress
// processes.
//
// A link address is tcp://host:port for a raw TCP transport or
// ws://host:port/path for one carried in WebSocket binary messages. Client
// keeps one session to the egress and redials it after it dies. Server
// accepts transports and hands every stream opened on them to a handler.
// Dialer adapts a Client to the dialer.Dialer interface for front-ends that
// know their target before any bytes arrive.
package link
