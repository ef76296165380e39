// Package transport defines the physical transport interfaces used by the
// session engine and the delivery reliability model shared by all layers.
//
// Key concepts:
//   - StreamTransport: a byte-stream backend (tcp, winpipe, in-process pipes).
//     Message boundaries and channels are added by the stream framer.
//   - MessageTransport: a boundary-preserving backend (quic, udp, in-process
//     queues) that carries the channel id and reliability natively.
//   - Reliability: the delivery guarantee requested per message. Backends
//     advertise the set they can honour; nothing is silently upgraded.
package transport
