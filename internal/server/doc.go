// Package server implements a TCP broadcast relay with connection banning and
// message-rate strikes.
//
// A single Hub goroutine owns every peer record, ban and strike counter.
// Connection workers never touch that state; they turn socket reads into
// Connected, NewMessage and Disconnected events and submit them to the hub,
// which applies them strictly one at a time. Outbound bytes go through a
// bounded per-peer queue drained by a writer goroutine, so a slow peer is
// disconnected instead of stalling the hub.
//
// The implementation is organized into specialized files for configuration,
// the hub, clients, moderation policy, routing and HTTP handlers.
package server
