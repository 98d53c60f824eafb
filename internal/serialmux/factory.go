package serialmux

import (
	"go.bug.st/serial"
)

// OpenRealPort opens a hardware serial port.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListRealPorts lists the host's serial ports.
func ListRealPorts() ([]string, error) {
	return serial.GetPortsList()
}

// NewRealSerialMux opens path and wraps it in a SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := OpenRealPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
