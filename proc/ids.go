package proc

// Identifier types used across the engine's public surface. They are
// distinct defined types so callers cannot accidentally pass one where
// another is expected.

// DwpThreadID is the wire-protocol object id of a thread in the target VM.
type DwpThreadID uint64

// DapBreakpointID identifies a breakpoint on the client-facing protocol
// side. It stays stable for a (path, line) pair across rebinds.
type DapBreakpointID int

// CanonicalServerPath is a source path in the server's canonical form, the
// key under which loaded classes and breakpoints are tracked.
type CanonicalServerPath string

// RawIdePath is a source path exactly as the IDE sent it, before any
// canonicalization.
type RawIdePath string
