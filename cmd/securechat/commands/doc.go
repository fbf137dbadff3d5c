// Package commands defines the securechat CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init         Generate the local identity signing key
//   - import       Restore an identity from its recovery mnemonic
//   - export-seed  Print the identity recovery mnemonic
//   - fingerprint  Print the identity fingerprint
//   - replace      Rotate the identity signing key
//   - register     Publish the identity public key to a relay directory
//   - daemon       Run the messaging service against a relay
//   - relay        Run the relay: mailboxes, directory and admission guard
//   - version      Print version information
//
// # Implementation
//
// The root command loads configuration and opens the encrypted key store
// before any subcommand runs, so handlers share one identity store and one
// resolved configuration.
package commands
