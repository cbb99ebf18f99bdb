// Package remote defines the contract between the execution-control core and
// the transport that talks to a target VM.
//
// The core never encodes protocol messages itself. It creates requests,
// drains event sets, and issues thread and VM commands through the Session
// interface. Implementations wrap a concrete wire protocol; the remotetest
// subpackage provides an in-memory VM for tests.
//
// # Errors
//
// Every Session method reports failures as one of two types:
//
//   - *TransportError: the session is unreachable. The caller should treat
//     the target as disconnected.
//   - *CommandError: the target VM rejected the command (invalid thread
//     state, unknown request, and so on). The session is still usable.
//
// Use IsTransport to tell them apart.
package remote
