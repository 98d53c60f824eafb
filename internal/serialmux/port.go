package serialmux

import "io"

// SerialPorter is the minimal serial port surface.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens a port at path.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)

// PortLister enumerates the serial ports present on the host.
type PortLister func() ([]string, error)
