// Package minicord implements a minimal client for the Discord real-time
// gateway: masked RFC 6455 client framing over a single TCP+TLS stream and
// the session state machine (identify, resume, heartbeat liveness) layered
// on top of it.
//
// Fragmented messages, compression extensions and multiplexed streams are
// out of scope. Every message is a single FIN frame.
//
// See https://discord.com/developers/docs/topics/gateway
package minicord
