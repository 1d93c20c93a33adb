// Package flash implements erase, write and verify on top of an
// established bootloader session. Images are split into bounded blocks
// so each round trip stays within one timeout budget; a block that
// times out is retried on its own instead of restarting the image.
package flash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/exptech/esprecover/internal/protocol"
	"github.com/exptech/esprecover/internal/session"
)

// ErrVerifyFailed reports a readback digest that differs from the
// written image.
var ErrVerifyFailed = errors.New("flash verification failed")

// VerifyError carries the flash address of the first divergent block.
type VerifyError struct {
	Offset   uint32
	Expected string
	Actual   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash verification failed at 0x%X: expected md5 %s, device reports %s",
		e.Offset, e.Expected, e.Actual)
}

func (e *VerifyError) Unwrap() error { return ErrVerifyFailed }

// Image is firmware destined for a flash address. Read-only here; the
// caller owns the bytes.
type Image struct {
	Name string
	Addr uint32
	Data []byte
}

// Region is an address range for erase targeting.
type Region struct {
	Offset uint32
	Length uint32
}

// Phase tags progress events with the long-running operation they
// belong to.
type Phase string

const (
	PhaseErase  Phase = "erase"
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
)

// Event reports progress of a long operation. Done and Total count
// blocks for writes and bytes for erase/verify.
type Event struct {
	Phase Phase
	Name  string
	Done  int
	Total int
}

// ProgressFunc receives Events; nil means no reporting.
type ProgressFunc func(Event)

// Options are the flashing tuning knobs; zero values use defaults.
type Options struct {
	BlockSize    int           // bytes per FLASH_DATA block
	BlockRetries int           // resends of one block after a timeout
	Timeout      time.Duration // round-trip budget per command
	Progress     ProgressFunc
	Logger       zerolog.Logger
}

const (
	DefaultBlockRetries = 3

	// Erase time grows with capacity; budget generously per MiB on
	// top of a fixed floor.
	eraseTimeoutBase  = 30 * time.Second
	eraseTimeoutPerMB = 10 * time.Second
)

// Flasher executes flash operations over one session.
type Flasher struct {
	sess *session.Session
	opts Options
	log  zerolog.Logger
}

// New creates a Flasher. The session must already be connected.
func New(sess *session.Session, opts Options) *Flasher {
	if opts.BlockSize <= 0 {
		opts.BlockSize = protocol.FlashBlockSize
	}
	if opts.BlockRetries <= 0 {
		opts.BlockRetries = DefaultBlockRetries
	}
	return &Flasher{sess: sess, opts: opts, log: opts.Logger}
}

func (f *Flasher) report(e Event) {
	if f.opts.Progress != nil {
		f.opts.Progress(e)
	}
}

// Write flashes img, block by block in ascending offset order.
func (f *Flasher) Write(ctx context.Context, img Image) error {
	if err := f.checkBounds(img); err != nil {
		return err
	}

	size := uint32(len(img.Data))
	blockSize := f.opts.BlockSize
	numBlocks := protocol.NumBlocks(len(img.Data), blockSize)

	f.log.Info().Str("image", img.Name).Uint32("addr", img.Addr).
		Uint32("size", size).Int("blocks", numBlocks).Msg("writing image")

	begin := protocol.NewRequest(protocol.CmdFlashBegin,
		protocol.FlashBeginData(size, uint32(numBlocks), uint32(blockSize), img.Addr))
	// The ROM erases the target sectors during FLASH_BEGIN, which can
	// take a while for large images.
	if _, err := f.sess.Command(begin, f.eraseTimeout(uint32(len(img.Data)))); err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}

	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := seq * blockSize
		end := start + blockSize
		if end > len(img.Data) {
			end = len(img.Data)
		}

		if err := f.writeBlock(img.Data[start:end], uint32(seq)); err != nil {
			return fmt.Errorf("flash data block %d failed: %w", seq, err)
		}
		f.report(Event{Phase: PhaseWrite, Name: img.Name, Done: seq + 1, Total: numBlocks})
	}

	end := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(false))
	if _, err := f.sess.Command(end, f.opts.Timeout); err != nil {
		return fmt.Errorf("flash end failed: %w", err)
	}

	return nil
}

// writeBlock sends one sequenced block, retrying a bounded number of
// times on timeout. Resending a block is idempotent: the sequence
// number addresses it, so a retry never disturbs neighboring blocks.
func (f *Flasher) writeBlock(block []byte, seq uint32) error {
	req := protocol.NewRequest(protocol.CmdFlashData,
		protocol.FlashDataData(block, seq, f.opts.BlockSize))

	var err error
	for attempt := 0; attempt <= f.opts.BlockRetries; attempt++ {
		if attempt > 0 {
			f.log.Warn().Uint32("seq", seq).Int("attempt", attempt).Msg("retrying block")
		}
		_, err = f.sess.Command(req, f.opts.Timeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrCommandTimeout) {
			// Chip NAKs and transport failures are not retryable.
			return err
		}
	}
	return err
}

// EraseChip wipes the entire flash. The completion response can take a
// long time, so the timeout scales with capacity.
func (f *Flasher) EraseChip(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	size := f.sess.FlashSize()
	f.log.Info().Uint32("size", size).Msg("erasing entire flash")
	f.report(Event{Phase: PhaseErase, Done: 0, Total: int(size)})

	req := protocol.NewRequest(protocol.CmdEraseFlash, nil)
	if _, err := f.sess.Command(req, f.eraseTimeout(size)); err != nil {
		return fmt.Errorf("chip erase failed: %w", err)
	}

	f.report(Event{Phase: PhaseErase, Done: int(size), Total: int(size)})
	return nil
}

// EraseRegion wipes one address range. Offset and length must be
// sector-aligned: the chip can only erase whole sectors.
func (f *Flasher) EraseRegion(ctx context.Context, r Region) error {
	if r.Offset%protocol.FlashSectorSize != 0 || r.Length%protocol.FlashSectorSize != 0 {
		return fmt.Errorf("erase region 0x%X+0x%X is not aligned to sector size 0x%X",
			r.Offset, r.Length, protocol.FlashSectorSize)
	}
	if r.Offset+r.Length > f.sess.FlashSize() {
		return fmt.Errorf("erase region 0x%X+0x%X exceeds flash capacity 0x%X",
			r.Offset, r.Length, f.sess.FlashSize())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.log.Info().Uint32("offset", r.Offset).Uint32("length", r.Length).Msg("erasing region")

	req := protocol.NewRequest(protocol.CmdEraseRegion, protocol.EraseRegionData(r.Offset, r.Length))
	if _, err := f.sess.Command(req, f.eraseTimeout(r.Length)); err != nil {
		return fmt.Errorf("region erase failed: %w", err)
	}
	return nil
}

// Verify asks the chip for an MD5 of the written range and compares it
// to the source image. On mismatch it narrows down block by block and
// reports the address of the first divergent one.
func (f *Flasher) Verify(ctx context.Context, img Image) error {
	if err := f.checkBounds(img); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	expected := md5Hex(img.Data)
	actual, err := f.readMD5(img.Addr, uint32(len(img.Data)))
	if err != nil {
		return err
	}
	if actual == expected {
		f.report(Event{Phase: PhaseVerify, Name: img.Name, Done: len(img.Data), Total: len(img.Data)})
		return nil
	}

	f.log.Warn().Str("image", img.Name).Str("expected", expected).Str("actual", actual).
		Msg("image digest mismatch, locating divergent block")

	offset, blockErr := f.findDivergence(ctx, img)
	if blockErr != nil {
		return blockErr
	}
	return &VerifyError{Offset: offset, Expected: expected, Actual: actual}
}

// findDivergence re-hashes the image block by block to locate the
// first one the chip stored differently.
func (f *Flasher) findDivergence(ctx context.Context, img Image) (uint32, error) {
	blockSize := f.opts.BlockSize
	numBlocks := protocol.NumBlocks(len(img.Data), blockSize)

	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		start := seq * blockSize
		end := start + blockSize
		if end > len(img.Data) {
			end = len(img.Data)
		}

		addr := img.Addr + uint32(start)
		actual, err := f.readMD5(addr, uint32(end-start))
		if err != nil {
			return 0, err
		}
		if actual != md5Hex(img.Data[start:end]) {
			return addr, nil
		}
		f.report(Event{Phase: PhaseVerify, Name: img.Name, Done: end, Total: len(img.Data)})
	}

	// Whole-image digest differed but every block matches; padding or
	// data beyond the image must be at fault. Point at the image end.
	return img.Addr + uint32(len(img.Data)), nil
}

// readMD5 runs SPI_FLASH_MD5 over one range and returns the digest as
// lowercase hex.
func (f *Flasher) readMD5(addr, size uint32) (string, error) {
	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(addr, size))
	// Hashing large ranges takes the chip a while.
	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resp, err := f.sess.Command(req, timeout)
	if err != nil {
		return "", fmt.Errorf("flash md5 failed: %w", err)
	}

	digest := string(resp.Data)
	if len(digest) > 32 {
		digest = digest[:32]
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("%w: md5 response has %d digest bytes", protocol.ErrFrameCorrupt, len(resp.Data))
	}
	return digest, nil
}

// Reboot sends FLASH_END with the reboot flag and follows up with a
// hard reset, leaving the chip running its firmware.
func (f *Flasher) Reboot() error {
	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true))
	if _, err := f.sess.Command(req, f.opts.Timeout); err != nil {
		// The chip may reboot before the response gets out; that's
		// still a successful reboot.
		if !errors.Is(err, session.ErrCommandTimeout) {
			return err
		}
	}
	time.Sleep(100 * time.Millisecond)
	return f.sess.Disconnect()
}

// checkBounds enforces the image capacity invariant.
func (f *Flasher) checkBounds(img Image) error {
	capacity := f.sess.FlashSize()
	if uint32(len(img.Data)) > capacity-img.Addr || img.Addr >= capacity {
		return fmt.Errorf("image %q (%d bytes at 0x%X) exceeds flash capacity %d",
			img.Name, len(img.Data), img.Addr, capacity)
	}
	return nil
}

// eraseTimeout scales the wait for erase-heavy commands with the
// amount of flash involved.
func (f *Flasher) eraseTimeout(size uint32) time.Duration {
	if f.opts.Timeout > 0 {
		return f.opts.Timeout
	}
	mb := (int64(size) + 1024*1024 - 1) / (1024 * 1024)
	return eraseTimeoutBase + time.Duration(mb)*eraseTimeoutPerMB
}

// SortImages orders images by ascending flash address, the order they
// must be written in.
func SortImages(images []Image) {
	sort.Slice(images, func(i, j int) bool {
		return images[i].Addr < images[j].Addr
	})
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
