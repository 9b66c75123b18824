// Package transport provides the low-level communication layer between
// the broker and an LLM-CLI subprocess: framing stdout into discrete
// JSON messages, writing to stdin, and handling process lifecycle.
package transport

import "context"

// Transport is the capability the rest of the broker depends on to
// talk to a subprocess. The control-channel interceptor (package
// control) implements this same interface wrapping another Transport,
// so it can be substituted transparently wherever a Transport is used.
type Transport interface {
	// Connect starts the subprocess and begins streaming.
	Connect(ctx context.Context) error

	// Write sends a raw line to the subprocess's stdin.
	Write(data string) error

	// ReadMessages yields raw JSON messages read from stdout.
	ReadMessages() <-chan []byte

	// Errors yields transport-level errors.
	Errors() <-chan error

	// EndInput closes stdin, signalling EOF to the subprocess.
	EndInput() error

	// Close tears down the subprocess and releases resources.
	Close() error

	// IsConnected reports whether the subprocess is currently running.
	IsConnected() bool

	// SignalShutdown marks the transport as shutting down, so that an
	// expected process exit (from SIGINT) is logged at debug rather
	// than error level.
	SignalShutdown()
}
