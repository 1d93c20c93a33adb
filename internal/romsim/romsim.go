// Package romsim is a scriptable stand-in for the ESP32 ROM serial
// bootloader. It speaks the same SLIP-framed packet protocol as the
// real chip and backs it with an in-memory flash array, so the session
// and flashing layers can be exercised without hardware. Fault knobs
// simulate the interesting failure modes: a silent device, chip NAKs
// and corrupted frames.
package romsim

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/exptech/esprecover/internal/protocol"
	"github.com/exptech/esprecover/internal/slip"
)

// Device emulates one chip on one serial port. It implements the
// session.Conn surface.
type Device struct {
	mu sync.Mutex

	magic  uint32
	flash  []byte
	baud   int
	booted bool // true when in download mode
	closed bool

	// Identity reported by GET_SECURITY_INFO.
	ChipID     uint32
	EcoVersion uint32

	asm slip.Assembler
	out []byte

	// Fault injection.
	IgnoreSync      bool          // never acknowledge SYNC
	SyncAnswerAfter int           // acknowledge SYNC only from this attempt on (1-based)
	Mute            map[byte]bool // commands that never get a response
	MuteNext        map[byte]int  // commands processed but left unacknowledged N times
	NAK             map[byte]byte // commands rejected with this ROM error code
	CorruptNext     int           // emit this many damaged frames before real responses

	suppress bool // current command's response is being swallowed

	// Counters and traces, guarded by mu.
	SyncCount      int
	ResetCount     int
	HardResetCount int
	Commands       []byte
	BlockSeqs      []uint32
	BeginOffsets   []uint32

	writeBase uint32
	blockSize uint32
}

// New creates a device with the given chip magic and flash capacity.
// Flash starts erased (all 0xFF).
func New(magic uint32, flashSize uint32) *Device {
	flash := make([]byte, flashSize)
	for i := range flash {
		flash[i] = 0xFF
	}
	return &Device{
		magic:    magic,
		flash:    flash,
		baud:     protocol.DefaultBaudRate,
		Mute:     make(map[byte]bool),
		MuteNext: make(map[byte]int),
		NAK:      make(map[byte]byte),
	}
}

// FlashAt returns a copy of n flash bytes starting at addr.
func (d *Device) FlashAt(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, n)
	copy(cp, d.flash[addr:int(addr)+n])
	return cp
}

// CorruptFlash flips one stored byte, for verify-mismatch scenarios.
func (d *Device) CorruptFlash(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flash[addr] ^= 0xFF
}

// InBootloader reports whether the chip sits in download mode.
func (d *Device) InBootloader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted
}

// Closed reports whether the host released the port.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CommandCount returns how many times cmd was received.
func (d *Device) CommandCount(cmd byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// Write receives host bytes, reassembles request frames and queues the
// device's responses.
func (d *Device) Write(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.asm.Push(data)
	for payload := d.asm.Next(); payload != nil; payload = d.asm.Next() {
		d.handle(payload)
	}
	return len(data), nil
}

// ReadWithTimeout hands queued response bytes to the host. An empty
// queue behaves like a serial timeout: zero bytes, nil error.
func (d *Device) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	if len(d.out) == 0 {
		d.mu.Unlock()
		// Behave like a real port: don't return instantly when idle.
		wait := timeout
		if wait > time.Millisecond {
			wait = time.Millisecond
		}
		time.Sleep(wait)
		return 0, nil
	}
	n := copy(buf, d.out)
	d.out = d.out[n:]
	d.mu.Unlock()
	return n, nil
}

func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = nil
	return nil
}

func (d *Device) SetBaud(baudRate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = baudRate
	return nil
}

func (d *Device) BaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

func (d *Device) ResetToBootloader() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCount++
	d.booted = true
	d.out = nil
	d.asm.Reset()
	return nil
}

func (d *Device) HardReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HardResetCount++
	d.booted = false
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// handle processes one decoded request payload. Caller holds mu.
func (d *Device) handle(payload []byte) {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		// The ROM answers a bad checksum with an invalid-CRC NAK,
		// if it can still tell which command it was.
		if len(payload) >= 2 && payload[0] == protocol.DirRequest {
			d.respond(payload[1], 0, nil, 1, protocol.ErrInvalidCRC)
		}
		return
	}

	d.Commands = append(d.Commands, req.Command)

	if req.Command == protocol.CmdSync {
		d.SyncCount++
		if d.IgnoreSync || d.SyncCount < d.SyncAnswerAfter {
			return
		}
	}
	if d.Mute[req.Command] {
		return
	}
	if code, ok := d.NAK[req.Command]; ok {
		d.respond(req.Command, 0, nil, 1, code)
		return
	}

	// A swallowed acknowledgment still executes the command, which is
	// exactly what a response lost to line noise looks like.
	d.suppress = false
	if d.MuteNext[req.Command] > 0 {
		d.MuteNext[req.Command]--
		d.suppress = true
	}

	switch req.Command {
	case protocol.CmdSync:
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdReadReg:
		addr := binary.LittleEndian.Uint32(req.Data[0:4])
		var value uint32
		if addr == protocol.ChipMagicReg {
			value = d.magic
		}
		d.respond(req.Command, value, nil, 0, 0)

	case protocol.CmdSpiAttach, protocol.CmdSpiSetParams, protocol.CmdChangeBaud:
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdFlashBegin:
		d.writeBase = binary.LittleEndian.Uint32(req.Data[12:16])
		d.blockSize = binary.LittleEndian.Uint32(req.Data[8:12])
		d.BeginOffsets = append(d.BeginOffsets, d.writeBase)
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdFlashData:
		size := binary.LittleEndian.Uint32(req.Data[0:4])
		seq := binary.LittleEndian.Uint32(req.Data[4:8])
		d.BlockSeqs = append(d.BlockSeqs, seq)
		offset := int(d.writeBase + seq*d.blockSize)
		block := req.Data[16 : 16+size]
		if offset+len(block) <= len(d.flash) {
			copy(d.flash[offset:], block)
		}
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdFlashEnd:
		if binary.LittleEndian.Uint32(req.Data) == 0 {
			d.booted = false // reboot requested
		}
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdSpiFlashMD5:
		addr := binary.LittleEndian.Uint32(req.Data[0:4])
		size := binary.LittleEndian.Uint32(req.Data[4:8])
		sum := md5.Sum(d.flash[addr : addr+size])
		digest := []byte(hex.EncodeToString(sum[:]))
		d.respond(req.Command, 0, digest, 0, 0)

	case protocol.CmdGetSecurityInfo:
		info := make([]byte, 20)
		binary.LittleEndian.PutUint32(info[12:16], d.ChipID)
		binary.LittleEndian.PutUint32(info[16:20], d.EcoVersion)
		d.respond(req.Command, 0, info, 0, 0)

	case protocol.CmdEraseFlash:
		for i := range d.flash {
			d.flash[i] = 0xFF
		}
		d.respond(req.Command, 0, nil, 0, 0)

	case protocol.CmdEraseRegion:
		offset := binary.LittleEndian.Uint32(req.Data[0:4])
		size := binary.LittleEndian.Uint32(req.Data[4:8])
		for i := offset; i < offset+size && int(i) < len(d.flash); i++ {
			d.flash[i] = 0xFF
		}
		d.respond(req.Command, 0, nil, 0, 0)

	default:
		d.respond(req.Command, 0, nil, 1, protocol.ErrInvalidMessage)
	}
}

// respond queues one framed response, preceded by damaged copies while
// CorruptNext is positive. Caller holds mu.
func (d *Device) respond(cmd byte, value uint32, data []byte, status, errCode byte) {
	if d.suppress {
		d.suppress = false
		return
	}
	packet := make([]byte, 8+len(data)+2)
	packet[0] = protocol.DirResponse
	packet[1] = cmd
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)+2))
	binary.LittleEndian.PutUint32(packet[4:8], value)
	copy(packet[8:], data)
	packet[8+len(data)] = status
	packet[8+len(data)+1] = errCode

	for d.CorruptNext > 0 {
		bad := make([]byte, len(packet))
		copy(bad, packet)
		bad[0] = 0xFF // wrong direction byte, fails decode
		d.out = append(d.out, slip.Encode(bad)...)
		d.CorruptNext--
	}

	d.out = append(d.out, slip.Encode(packet)...)
}
