// Package channel abstracts the byte channels the engine runs over. The
// connection/authentication layer is an external collaborator: it hands the
// engine one or more already-established, byte-reliable, order-preserving
// duplex channels, and the engine never dials or authenticates on its own
// beyond the plain constructors provided here.
package channel

import (
	"io"
	"net"
)

// Channel is a reliable, order-preserving duplex byte stream. A transfer
// session can run over one channel or stripe across several for
// multi-connection parallelism.
type Channel interface {
	io.Reader
	io.Writer
	Close() error
}

// Pair returns two in-memory channels connected to each other, used by
// tests and by local mirror transfers that run both engine halves in one
// process.
func Pair() (Channel, Channel) {
	a, b := net.Pipe()
	return a, b
}
