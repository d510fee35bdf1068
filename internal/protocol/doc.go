// Package protocol implements the wire codec for the remote buffer protocol:
// message framing, per-message serialization and parsing, and typed parse
// errors.
//
// This package contains no correlation or session logic; the client and host
// ends of the protocol live in [github.com/zsiec/bufsched/internal/remote].
package protocol
