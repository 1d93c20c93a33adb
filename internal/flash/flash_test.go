package flash

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/exptech/esprecover/internal/protocol"
	"github.com/exptech/esprecover/internal/romsim"
	"github.com/exptech/esprecover/internal/session"
)

const esp32Magic = 0x00F01D83

func testSession(t *testing.T, dev *romsim.Device, flashSize uint32) *session.Session {
	t.Helper()
	s := session.New(dev, session.Options{
		SyncAttempts:   3,
		SyncTimeout:    20 * time.Millisecond,
		CommandTimeout: 50 * time.Millisecond,
	})
	if err := s.Connect(context.Background(), flashSize); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s
}

func testImage(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestWrite_StoresImage(t *testing.T) {
	dev := romsim.New(esp32Magic, 1024*1024)
	sess := testSession(t, dev, 1024*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 50 * time.Millisecond})

	data := testImage(3000) // deliberately not block-aligned
	img := Image{Name: "app", Addr: 0x1000, Data: data}

	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stored := dev.FlashAt(0x1000, len(data))
	if !bytes.Equal(stored, data) {
		t.Error("device flash content does not match written image")
	}
}

func TestWrite_BlockCountAndOrder(t *testing.T) {
	// 1MiB at 0x1000 with 4KiB blocks must produce exactly 256
	// FLASH_DATA commands in strictly ascending sequence order.
	const size = 1024 * 1024
	dev := romsim.New(esp32Magic, 2*1024*1024)
	sess := testSession(t, dev, 2*1024*1024)
	f := New(sess, Options{BlockSize: 4096, Timeout: 200 * time.Millisecond})

	img := Image{Name: "app", Addr: 0x1000, Data: testImage(size)}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := dev.CommandCount(protocol.CmdFlashData); got != 256 {
		t.Errorf("FLASH_DATA sent %d times, want 256", got)
	}
	if len(dev.BlockSeqs) != 256 {
		t.Fatalf("recorded %d block sequences, want 256", len(dev.BlockSeqs))
	}
	for i, seq := range dev.BlockSeqs {
		if seq != uint32(i) {
			t.Fatalf("block %d has sequence %d, want strictly ascending", i, seq)
		}
	}
}

func TestWrite_ProgressEvents(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)

	var events []Event
	f := New(sess, Options{
		BlockSize: 1024,
		Timeout:   50 * time.Millisecond,
		Progress:  func(e Event) { events = append(events, e) },
	})

	img := Image{Name: "app", Addr: 0, Data: testImage(4096)}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("got %d progress events, want 4", len(events))
	}
	last := events[len(events)-1]
	if last.Phase != PhaseWrite || last.Done != 4 || last.Total != 4 {
		t.Errorf("final event = %+v, want write 4/4", last)
	}
}

func TestWrite_RetriesLostAck(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, BlockRetries: 2, Timeout: 30 * time.Millisecond})

	// Swallow the first FLASH_DATA acknowledgment: the block is
	// written, the response is lost, the host must resend.
	dev.MuteNext[protocol.CmdFlashData] = 1

	data := testImage(3 * 1024)
	img := Image{Name: "app", Addr: 0, Data: data}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Block 0 was sent twice, so 4 FLASH_DATA commands total.
	if got := dev.CommandCount(protocol.CmdFlashData); got != 4 {
		t.Errorf("FLASH_DATA sent %d times, want 4", got)
	}
	// Retransmission is idempotent: neighbors are intact.
	if !bytes.Equal(dev.FlashAt(0, len(data)), data) {
		t.Error("flash content corrupted by block retransmission")
	}
}

func TestWrite_RetryBudgetExhausted(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, BlockRetries: 2, Timeout: 20 * time.Millisecond})

	dev.Mute[protocol.CmdFlashData] = true

	img := Image{Name: "app", Addr: 0, Data: testImage(1024)}
	err := f.Write(context.Background(), img)
	if !errors.Is(err, session.ErrCommandTimeout) {
		t.Fatalf("Write() error = %v, want ErrCommandTimeout", err)
	}

	// Initial send plus two retries, never more.
	if got := dev.CommandCount(protocol.CmdFlashData); got != 3 {
		t.Errorf("FLASH_DATA sent %d times, want 3", got)
	}
}

func TestWrite_ChipNAKNotRetried(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, BlockRetries: 3, Timeout: 30 * time.Millisecond})

	dev.NAK[protocol.CmdFlashData] = protocol.ErrFlashWriteErr

	img := Image{Name: "app", Addr: 0, Data: testImage(1024)}
	err := f.Write(context.Background(), img)

	var cmdErr *session.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Write() error = %v, want *CommandError", err)
	}
	if got := dev.CommandCount(protocol.CmdFlashData); got != 1 {
		t.Errorf("FLASH_DATA sent %d times after NAK, want 1 (no retry)", got)
	}
}

func TestWrite_ExceedsCapacity(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 30 * time.Millisecond})

	img := Image{Name: "app", Addr: 60 * 1024, Data: testImage(8 * 1024)}
	if err := f.Write(context.Background(), img); err == nil {
		t.Error("Write() beyond capacity expected error")
	}
	if got := dev.CommandCount(protocol.CmdFlashBegin); got != 0 {
		t.Errorf("FLASH_BEGIN sent %d times for oversized image, want 0", got)
	}
}

func TestWrite_CancelledBetweenBlocks(t *testing.T) {
	dev := romsim.New(esp32Magic, 1024*1024)
	sess := testSession(t, dev, 1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	f := New(sess, Options{
		BlockSize: 1024,
		Timeout:   50 * time.Millisecond,
		Progress: func(e Event) {
			if e.Done == 10 {
				cancel()
			}
		},
	})

	img := Image{Name: "app", Addr: 0, Data: testImage(256 * 1024)}
	err := f.Write(ctx, img)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Write() error = %v, want context.Canceled", err)
	}

	// Cancelled between block 10 and 11: block 11 never goes out.
	if got := dev.CommandCount(protocol.CmdFlashData); got != 10 {
		t.Errorf("FLASH_DATA sent %d times, want 10", got)
	}
}

func TestVerify_Matches(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 50 * time.Millisecond})

	img := Image{Name: "app", Addr: 0x1000, Data: testImage(5000)}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Verify(context.Background(), img); err != nil {
		t.Errorf("Verify() after write = %v, want nil", err)
	}
}

func TestVerify_ReportsFirstDivergentBlock(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 50 * time.Millisecond})

	img := Image{Name: "app", Addr: 0, Data: testImage(4096)}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Damage the stored copy at byte 2048: block 2 is the first
	// divergent one and its address must be reported, not a later or
	// earlier block.
	dev.CorruptFlash(2048)

	err := f.Verify(context.Background(), img)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("Verify() error = %v, want ErrVerifyFailed", err)
	}

	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Verify() error = %v, want *VerifyError", err)
	}
	if verr.Offset != 2048 {
		t.Errorf("VerifyError offset = %d, want 2048", verr.Offset)
	}
}

func TestEraseChip(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 50 * time.Millisecond})

	img := Image{Name: "app", Addr: 0, Data: testImage(4096)}
	if err := f.Write(context.Background(), img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := f.EraseChip(context.Background()); err != nil {
		t.Fatalf("EraseChip() error = %v", err)
	}

	for i, b := range dev.FlashAt(0, 4096) {
		if b != 0xFF {
			t.Fatalf("flash byte %d = 0x%02X after chip erase, want 0xFF", i, b)
		}
	}
}

func TestEraseRegion_AlignmentEnforced(t *testing.T) {
	dev := romsim.New(esp32Magic, 64*1024)
	sess := testSession(t, dev, 64*1024)
	f := New(sess, Options{BlockSize: 1024, Timeout: 50 * time.Millisecond})

	cases := []Region{
		{Offset: 0x100, Length: 0x1000}, // unaligned offset
		{Offset: 0x1000, Length: 0x800}, // unaligned length
	}
	for _, r := range cases {
		if err := f.EraseRegion(context.Background(), r); err == nil {
			t.Errorf("EraseRegion(%+v) expected alignment error", r)
		}
	}

	if err := f.EraseRegion(context.Background(), Region{Offset: 0x1000, Length: 0x2000}); err != nil {
		t.Errorf("EraseRegion(aligned) error = %v", err)
	}
}

func TestSortImages(t *testing.T) {
	images := []Image{
		{Name: "app", Addr: 0x10000},
		{Name: "boot", Addr: 0x0},
		{Name: "parts", Addr: 0x8000},
	}
	SortImages(images)

	want := []string{"boot", "parts", "app"}
	for i, name := range want {
		if images[i].Name != name {
			t.Errorf("images[%d] = %q, want %q", i, images[i].Name, name)
		}
	}
}
