// Package session drives the ESP32 ROM bootloader over a serial
// transport: the reset-into-download-mode handshake, SYNC negotiation,
// chip identification and the request/response round trip every flash
// operation is built on.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/exptech/esprecover/internal/protocol"
	"github.com/exptech/esprecover/internal/slip"
)

var (
	// ErrSyncTimeout means the bootloader never answered the SYNC
	// handshake. Usually the wrong port, or the chip is not in a
	// resettable state.
	ErrSyncTimeout = errors.New("bootloader sync timed out")

	// ErrCommandTimeout means a command got no matching response in
	// time. Retryable by the caller.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNotReady means a command was issued outside the Ready state.
	ErrNotReady = errors.New("session not ready")
)

// CommandError is a negative acknowledgment reported by the chip.
// Not retryable: the chip processed the request and rejected it.
type CommandError struct {
	Command byte
	Status  byte
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02X rejected: status=0x%02X error=0x%02X (%s)",
		e.Command, e.Status, e.Code, protocol.ErrorMessage(e.Code))
}

// State is the session lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateResetting
	StateSyncing
	StateReady
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResetting:
		return "resetting"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the transport surface the session drives. *serial.Port
// satisfies it; tests substitute a simulated device.
type Conn interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	SetBaud(baudRate int) error
	ResetToBootloader() error
	HardReset() error
	BaudRate() int
	Close() error
}

// Options holds the session tuning knobs. Zero values fall back to
// defaults.
type Options struct {
	SyncAttempts   int           // SYNC tries before giving up
	SyncTimeout    time.Duration // response wait per SYNC attempt
	SyncBackoff    time.Duration // pause between SYNC attempts
	CommandTimeout time.Duration // default command round-trip budget
	Logger         zerolog.Logger
}

const (
	DefaultSyncAttempts   = 10
	DefaultSyncTimeout    = 500 * time.Millisecond
	DefaultSyncBackoff    = 50 * time.Millisecond
	DefaultCommandTimeout = 5 * time.Second

	readChunkSize = 256
	pollInterval  = 100 * time.Millisecond
)

// Session is a single bootloader conversation. Strictly sequential:
// one outstanding command at a time, enforced by the Busy state.
type Session struct {
	conn  Conn
	opts  Options
	state State

	chip      protocol.Chip
	magic     uint32
	flashSize uint32

	asm slip.Assembler
	log zerolog.Logger
}

// New creates a session over conn. The session does not own the
// connection; the caller closes it.
func New(conn Conn, opts Options) *Session {
	if opts.SyncAttempts <= 0 {
		opts.SyncAttempts = DefaultSyncAttempts
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.SyncBackoff < 0 {
		opts.SyncBackoff = DefaultSyncBackoff
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Session{
		conn:  conn,
		opts:  opts,
		state: StateDisconnected,
		log:   opts.Logger,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Chip returns the identified chip variant, valid once Ready.
func (s *Session) Chip() protocol.Chip { return s.chip }

// FlashSize returns the flash capacity in bytes, valid once Ready.
func (s *Session) FlashSize() uint32 { return s.flashSize }

// Connect resets the chip into download mode, syncs with the ROM
// loader, identifies the chip and configures the SPI flash. flashSize
// of 0 assumes the default capacity.
func (s *Session) Connect(ctx context.Context, flashSize uint32) error {
	if flashSize == 0 {
		flashSize = protocol.DefaultFlashSize
	}

	s.state = StateResetting
	s.log.Debug().Msg("resetting into bootloader")
	if err := s.conn.ResetToBootloader(); err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("failed to reset into bootloader: %w", err)
	}

	s.state = StateSyncing
	if err := s.sync(ctx); err != nil {
		s.state = StateDisconnected
		return err
	}
	s.state = StateReady
	s.log.Debug().Msg("sync established")

	if err := s.identify(); err != nil {
		s.state = StateDisconnected
		return err
	}
	s.log.Info().Str("chip", s.chip.String()).Uint32("magic", s.magic).Msg("chip identified")

	if err := s.attachFlash(flashSize); err != nil {
		s.state = StateDisconnected
		return err
	}
	s.flashSize = flashSize

	return nil
}

// sync sends SYNC packets until one is acknowledged. The attempt count
// is exact: exactly SyncAttempts packets are written before giving up.
func (s *Session) sync(ctx context.Context) error {
	req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())
	frame := slip.Encode(req.Encode())

	for attempt := 1; attempt <= s.opts.SyncAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.conn.Flush()
		s.asm.Reset()

		if _, err := s.conn.Write(frame); err != nil {
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("sync write failed")
			continue
		}

		resp, err := s.awaitResponse(protocol.CmdSync, s.opts.SyncTimeout)
		if err == nil && resp.IsSuccess() {
			// The ROM answers a SYNC with a burst of identical
			// responses; drain them so they don't confuse the next
			// command.
			s.drainSyncResponses()
			return nil
		}
		s.log.Debug().Int("attempt", attempt).Int("max", s.opts.SyncAttempts).Msg("sync attempt failed")

		if s.opts.SyncBackoff > 0 && attempt < s.opts.SyncAttempts {
			time.Sleep(s.opts.SyncBackoff)
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrSyncTimeout, s.opts.SyncAttempts)
}

func (s *Session) drainSyncResponses() {
	for i := 0; i < 7; i++ {
		if _, err := s.awaitResponse(protocol.CmdSync, pollInterval); err != nil {
			return
		}
	}
}

// identify reads the chip magic word and maps it to a variant.
func (s *Session) identify() error {
	magic, err := s.ReadReg(protocol.ChipMagicReg)
	if err != nil {
		return fmt.Errorf("failed to read chip magic: %w", err)
	}
	s.magic = magic
	s.chip = protocol.ChipFromMagic(magic)
	return nil
}

// attachFlash attaches the SPI flash and pushes its geometry to the ROM.
func (s *Session) attachFlash(flashSize uint32) error {
	attach := protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachData())
	if _, err := s.Command(attach, 0); err != nil {
		return fmt.Errorf("failed to attach SPI flash: %w", err)
	}

	params := protocol.NewRequest(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(flashSize))
	if _, err := s.Command(params, 0); err != nil {
		return fmt.Errorf("failed to set SPI flash parameters: %w", err)
	}
	return nil
}

// Command performs one request/response round trip. timeout of 0 uses
// the session default. The returned error is ErrCommandTimeout when no
// matching response arrived, or a *CommandError when the chip NAKed.
func (s *Session) Command(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if s.state != StateReady {
		return nil, fmt.Errorf("%w: state is %s", ErrNotReady, s.state)
	}
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}

	s.state = StateBusy
	defer func() {
		if s.state == StateBusy {
			s.state = StateReady
		}
	}()

	frame := slip.Encode(req.Encode())
	if _, err := s.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%02X: %w", req.Command, err)
	}

	resp, err := s.awaitResponse(req.Command, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, &CommandError{Command: req.Command, Status: resp.Status, Code: resp.Error}
	}
	return resp, nil
}

// awaitResponse reads frames until one decodes to a response matching
// cmd or the timeout expires. A single corrupt frame is tolerated with
// a re-read; a second one escalates.
func (s *Session) awaitResponse(cmd byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	corrupt := 0
	buf := make([]byte, readChunkSize)

	for {
		for payload := s.asm.Next(); payload != nil; payload = s.asm.Next() {
			resp, err := protocol.DecodeResponse(payload)
			if err != nil {
				corrupt++
				s.log.Debug().Err(err).Int("count", corrupt).Msg("corrupt frame")
				if corrupt > 1 {
					return nil, err
				}
				continue
			}
			if resp.Command == cmd {
				return resp, nil
			}
			// Stale response from an earlier command; skip it.
			s.log.Debug().Uint8("got", resp.Command).Uint8("want", cmd).Msg("skipping stale response")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: command 0x%02X after %s", ErrCommandTimeout, cmd, timeout)
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		n, err := s.conn.ReadWithTimeout(buf, wait)
		if n > 0 {
			s.asm.Push(buf[:n])
		}
		if err != nil && n == 0 {
			return nil, fmt.Errorf("read failed waiting for command 0x%02X: %w", cmd, err)
		}
	}
}

// ReadReg reads a chip register over the bootloader protocol.
func (s *Session) ReadReg(addr uint32) (uint32, error) {
	req := protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(addr))
	resp, err := s.Command(req, 0)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// SecurityInfo queries GET_SECURITY_INFO. ROMs older than the S2 don't
// implement the command and NAK it.
func (s *Session) SecurityInfo() (*protocol.SecurityInfo, error) {
	req := protocol.NewRequest(protocol.CmdGetSecurityInfo, nil)
	resp, err := s.Command(req, 0)
	if err != nil {
		return nil, err
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// ChangeBaud renegotiates the line speed. The new rate is verified by
// a fresh SYNC before the session is considered Ready again.
func (s *Session) ChangeBaud(ctx context.Context, baudRate int) error {
	req := protocol.NewRequest(protocol.CmdChangeBaud,
		protocol.ChangeBaudData(uint32(baudRate), 0))
	if _, err := s.Command(req, 0); err != nil {
		return fmt.Errorf("change baud to %d refused: %w", baudRate, err)
	}

	if err := s.conn.SetBaud(baudRate); err != nil {
		s.state = StateDisconnected
		return err
	}
	// Garbage appears on the line while both sides switch speed.
	time.Sleep(50 * time.Millisecond)
	s.conn.Flush()
	s.asm.Reset()

	s.state = StateSyncing
	if err := s.sync(ctx); err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("sync at %d baud failed: %w", baudRate, err)
	}
	s.state = StateReady
	s.log.Info().Int("baud", baudRate).Msg("baud rate renegotiated")
	return nil
}

// Disconnect hard-resets the chip out of download mode and invalidates
// the session. Safe to call in any state.
func (s *Session) Disconnect() error {
	s.state = StateDisconnected
	s.chip = protocol.ChipUnknown
	s.flashSize = 0
	s.asm.Reset()
	return s.conn.HardReset()
}
