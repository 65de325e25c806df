package serialmux

import (
	"fmt"
	"io"
	"sort"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the mux uses. serial.Port
// satisfies it; tests use an in-memory fake.
type SerialPorter interface {
	io.ReadWriteCloser
}

// NewRealSerialMux opens the serial device at path and wraps it in a mux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}

// AvailablePorts lists the serial devices present on this machine, sorted.
func AvailablePorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
