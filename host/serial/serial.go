// Package serial opens the tty the controller enumerates as and hides the
// platform library behind a small Port interface.
package serial

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Port is the byte stream the transport runs over. The indirection keeps
// the transport testable against an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// Flush pushes out anything the implementation buffers.
	Flush() error
}

// Config holds the settings Open needs.
type Config struct {
	// Path of the tty, "/dev/ttyACM0" on Linux or "COM3" on Windows.
	Device string

	// Baud rate. USB CDC links ignore this, but it still matters for
	// controllers wired over a real UART.
	Baud int

	// How long a Read blocks with no data, in milliseconds. Zero blocks
	// forever.
	ReadTimeout int
}

// DefaultConfig returns the settings that match the firmware's console.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
	}
}

// ttyPort adapts tarm/serial to the Port interface.
type ttyPort struct {
	port *serial.Port
}

// Open opens the configured device.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", cfg.Device)
	}

	return &ttyPort{port: port}, nil
}

func (p *ttyPort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *ttyPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *ttyPort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush is a no-op: tarm/serial writes through on every Write call.
func (p *ttyPort) Flush() error {
	return nil
}
