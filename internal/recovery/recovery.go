// Package recovery sequences a complete flashing or erasing run:
// connect, enter the bootloader, erase if requested, write every image
// in ascending address order, verify, then reset the chip back into
// its firmware. Whatever happens, the device is reset and the port
// released before the terminal result is reported.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/exptech/esprecover/internal/flash"
	"github.com/exptech/esprecover/internal/serial"
	"github.com/exptech/esprecover/internal/session"
)

// Stage names the step of the run a failure happened in.
type Stage string

const (
	StageConnect Stage = "connect"
	StageErase   Stage = "erase"
	StageWrite   Stage = "write"
	StageVerify  Stage = "verify"
	StageReset   Stage = "reset"
)

// Result is the single terminal outcome of a run. Either the whole
// operation succeeded or it failed at a stage; there is no partial
// success.
type Result struct {
	OK    bool
	Stage Stage
	Err   error
	Chip  string
}

func (r Result) Error() string {
	if r.OK {
		return ""
	}
	return fmt.Sprintf("failed during %s: %v", r.Stage, r.Err)
}

// Dialer opens the transport for a device path. Production code uses
// the serial port; tests substitute a simulated device.
type Dialer func(port string, baud int) (session.Conn, error)

// SerialDialer opens a real serial port.
func SerialDialer(port string, baud int) (session.Conn, error) {
	return serial.Open(port, baud)
}

// Options configures one run. Sessions are independent: flashing two
// boards in parallel is two Runners with two Options.
type Options struct {
	Port      string
	Baud      int
	FlashBaud int    // renegotiate to this rate after sync; 0 keeps Baud
	FlashSize uint32 // 0 assumes the default capacity

	EraseFirst bool // wipe the whole chip before writing
	Verify     bool

	SyncAttempts   int
	SyncTimeout    time.Duration
	BlockSize      int
	BlockRetries   int
	CommandTimeout time.Duration

	Dial     Dialer
	Progress flash.ProgressFunc
	Logger   zerolog.Logger
}

// Runner executes one flashing or erasing session.
type Runner struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Runner {
	if opts.Baud <= 0 {
		opts.Baud = 115200
	}
	if opts.Dial == nil {
		opts.Dial = SerialDialer
	}
	return &Runner{opts: opts, log: opts.Logger}
}

// Flash writes images (and optionally erases and verifies) in one
// sequential run.
func (r *Runner) Flash(ctx context.Context, images []flash.Image) Result {
	return r.run(ctx, images, false)
}

// Erase performs a full chip erase and nothing else.
func (r *Runner) Erase(ctx context.Context) Result {
	return r.run(ctx, nil, true)
}

func (r *Runner) run(ctx context.Context, images []flash.Image, eraseOnly bool) Result {
	conn, err := r.opts.Dial(r.opts.Port, r.opts.Baud)
	if err != nil {
		return Result{Stage: StageConnect, Err: err}
	}
	// The device is always reset and the port always released, no
	// matter where the run stops.
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := conn.HardReset(); err != nil {
			r.log.Warn().Err(err).Msg("device reset on cleanup failed")
		}
		if err := conn.Close(); err != nil {
			r.log.Warn().Err(err).Msg("closing port failed")
		}
	}
	defer release()

	sess := session.New(conn, session.Options{
		SyncAttempts:   r.opts.SyncAttempts,
		SyncTimeout:    r.opts.SyncTimeout,
		CommandTimeout: r.opts.CommandTimeout,
		Logger:         r.log,
	})

	if err := sess.Connect(ctx, r.opts.FlashSize); err != nil {
		return Result{Stage: StageConnect, Err: err}
	}
	chip := sess.Chip().String()
	r.log.Info().Str("chip", chip).Str("port", r.opts.Port).Msg("bootloader ready")

	if r.opts.FlashBaud > 0 && r.opts.FlashBaud != r.opts.Baud {
		if err := sess.ChangeBaud(ctx, r.opts.FlashBaud); err != nil {
			// Flashing still works at the original rate, just slower.
			r.log.Warn().Err(err).Int("baud", r.opts.FlashBaud).Msg("staying at initial baud rate")
			if sess.State() != session.StateReady {
				if err := conn.SetBaud(r.opts.Baud); err != nil {
					return Result{Stage: StageConnect, Err: err, Chip: chip}
				}
				if err := sess.Connect(ctx, r.opts.FlashSize); err != nil {
					return Result{Stage: StageConnect, Err: err, Chip: chip}
				}
			}
		}
	}

	fl := flash.New(sess, flash.Options{
		BlockSize:    r.opts.BlockSize,
		BlockRetries: r.opts.BlockRetries,
		Timeout:      r.opts.CommandTimeout,
		Progress:     r.opts.Progress,
		Logger:       r.log,
	})

	if eraseOnly || r.opts.EraseFirst {
		if err := fl.EraseChip(ctx); err != nil {
			return Result{Stage: StageErase, Err: err, Chip: chip}
		}
	}

	if !eraseOnly {
		flash.SortImages(images)
		for _, img := range images {
			if err := fl.Write(ctx, img); err != nil {
				return Result{Stage: StageWrite, Err: err, Chip: chip}
			}
		}

		if r.opts.Verify {
			for _, img := range images {
				if err := fl.Verify(ctx, img); err != nil {
					return Result{Stage: StageVerify, Err: err, Chip: chip}
				}
			}
		}
	}

	if err := fl.Reboot(); err != nil {
		return Result{Stage: StageReset, Err: err, Chip: chip}
	}
	release()

	return Result{OK: true, Chip: chip}
}
