// Package ipc implements the message protocol between the OC cache and the
// compiler process.
//
// Messages travel over an AF_UNIX SOCK_SEQPACKET socket pair, one message
// per packet, so message boundaries are kept by the kernel. Each packet holds
// a CBOR envelope with the message type and body. Bulk data (wasm code,
// compiled artifacts, the cache file) is never copied into a packet; it is
// passed as file descriptors with SCM_RIGHTS alongside the message.
//
// A Session enforces the initialize handshake. The connecting side sends
// Initialize and waits for InitializeResponse; after a successful response
// both sides are Ready and may exchange the remaining message types.
//
// Every transport failure, including a closed peer and undecodable bytes, is
// reported as an errors.ErrTransport error. Descriptors received with a
// message that cannot be decoded are closed.
package ipc
