// Package detect scans serial ports for devices in the ROM bootloader.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/exptech/esprecover/internal/protocol"
	"github.com/exptech/esprecover/internal/serial"
	"github.com/exptech/esprecover/internal/session"
)

// Device is a serial port with an identified chip behind it. ChipID
// and EcoVersion are zero when the ROM does not report them.
type Device struct {
	Port       string
	Chip       protocol.Chip
	ChipID     uint32
	EcoVersion uint32
}

// Scan behavior on unattended ports: a handful of quick sync attempts
// per port so a full scan stays under a few seconds.
const (
	probeAttempts = 3
	probeTimeout  = 200 * time.Millisecond
)

// Probe resets the device on portName into the bootloader and
// identifies its chip. The device is left in the bootloader so a
// follow-up connect finds it ready.
func Probe(ctx context.Context, portName string, baud int) (Device, error) {
	conn, err := serial.Open(portName, baud)
	if err != nil {
		return Device{}, err
	}
	defer conn.Close()

	sess := session.New(conn, session.Options{
		SyncAttempts: probeAttempts,
		SyncTimeout:  probeTimeout,
	})
	if err := sess.Connect(ctx, protocol.DefaultFlashSize); err != nil {
		return Device{}, fmt.Errorf("probe %s: %w", portName, err)
	}

	dev := Device{Port: portName, Chip: sess.Chip()}
	// Newer ROMs also report a chip id; the original ESP32 rejects the
	// command, so a refusal is not a failed probe.
	if info, err := sess.SecurityInfo(); err == nil {
		dev.ChipID = info.ChipID
		dev.EcoVersion = info.EcoVersion
	}
	return dev, nil
}

// First returns the first port that answers the bootloader handshake.
func First(ctx context.Context, baud int) (Device, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return Device{}, fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		return Device{}, serial.ErrDeviceNotFound
	}

	var lastErr error
	for _, portName := range ports {
		if err := ctx.Err(); err != nil {
			return Device{}, err
		}
		dev, err := Probe(ctx, portName, baud)
		if err != nil {
			lastErr = err
			continue
		}
		return dev, nil
	}
	return Device{}, fmt.Errorf("%w (last error: %v)", serial.ErrDeviceNotFound, lastErr)
}

// Scan probes every serial port and returns all devices that answered.
func Scan(ctx context.Context, baud int) ([]Device, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}

	var devices []Device
	for _, portName := range ports {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		dev, err := Probe(ctx, portName, baud)
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
