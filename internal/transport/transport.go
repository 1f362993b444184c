// Package transport provides the synchronous duplex byte channels an OPC
// device speaks over: native SPI via periph.io, a USB-ISS serial bridge,
// and an in-memory simulated device for development.
package transport

// Transport is a synchronous, blocking duplex transfer channel. Every write
// clocks back exactly one reply byte per written byte; there is no framing
// and no sequencing, so a channel must never be shared between concurrent
// command sequences.
type Transport interface {
	// Transfer writes out on the bus and returns the bytes clocked back,
	// equal in length to out.
	Transfer(out []byte) ([]byte, error)

	// Close releases the channel.
	Close() error
}
