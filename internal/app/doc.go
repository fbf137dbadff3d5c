// Package app wires the protocol components into the messaging service the
// daemon and CLI drive.
//
// Responsibilities:
// - Expose the core operations: initiate handshakes, handle inbound wire
//   messages, seal outbound messages and files.
// - Admit every inbound message through the replay guard before any
//   plaintext is produced.
// - Fan decrypted traffic and session state changes out to subscribers.
//
// Non-responsibilities:
// - Relay transport and mailbox mechanics (internal/relay).
// - Handshake state transitions (internal/handshake).
package app
