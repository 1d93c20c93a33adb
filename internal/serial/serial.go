// Package serial owns the physical device handle. It wraps go.bug.st/serial
// with the ESP32 reset sequences and timeout-bounded reads; every error is
// propagated, nothing is swallowed here.
package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrDeviceNotFound reports that the named port does not exist.
	ErrDeviceNotFound = errors.New("serial device not found")
	// ErrPermissionDenied reports missing access rights on the port.
	ErrPermissionDenied = errors.New("permission denied opening serial device")
)

const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port with ESP32-specific functionality.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, classifyOpenError(portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// classifyOpenError maps driver errors onto the transport error taxonomy
// so callers can give actionable messages without string matching.
func classifyOpenError(portName string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, portName)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s (try adding your user to the dialout group)", ErrPermissionDenied, portName)
		}
	}
	return fmt.Errorf("failed to open port %s: %w", portName, err)
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout. A zero-length
// read with nil error means the timeout expired without data.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// SetBaud changes the line speed without reopening the port.
// Used after a CHANGE_BAUD command has been acknowledged.
func (p *Port) SetBaud(baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to change baud rate to %d: %w", baudRate, err)
	}
	p.baudRate = baudRate
	return nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// ResetToBootloader resets the ESP32 into download mode using DTR/RTS.
// This drives the auto-reset circuit found on most ESP32 dev boards;
// boards without it need a manual BOOT-button press instead.
func (p *Port) ResetToBootloader() error {
	// Classic reset sequence:
	// 1. RTS high, DTR low -> EN low (reset), GPIO0 high
	// 2. RTS low, DTR high -> EN high (run), GPIO0 low (boot mode)
	// 3. RTS high, DTR low -> release GPIO0

	// Note: Signal polarities are inverted due to transistor drivers

	// Step 1: Assert EN (reset)
	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	// Step 2: Assert GPIO0 (boot mode), release EN
	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	// Step 3: Release GPIO0
	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	// Final: Release all
	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}

	// Flush any garbage from reset
	p.Flush()
	time.Sleep(100 * time.Millisecond)

	return nil
}

// HardReset performs a hard reset (without entering bootloader).
func (p *Port) HardReset() error {
	// Pull EN low then release
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.SetRTS(false); err != nil {
		return err
	}
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
