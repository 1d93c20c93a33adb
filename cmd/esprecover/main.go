package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/exptech/esprecover/internal/config"
	"github.com/exptech/esprecover/internal/detect"
	"github.com/exptech/esprecover/internal/firmware"
	"github.com/exptech/esprecover/internal/flash"
	"github.com/exptech/esprecover/internal/manifest"
	"github.com/exptech/esprecover/internal/recovery"
	"github.com/exptech/esprecover/internal/serial"
	"github.com/exptech/esprecover/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes, one per failure class so scripts can react.
const (
	exitOK          = 0
	exitGeneric     = 1
	exitSyncTimeout = 2
	exitCommand     = 3
	exitVerify      = 4
	exitIO          = 5
)

var (
	configFlag  string
	verboseFlag bool

	portFlag  string
	baudFlag  int
	addrFlag  uint32
	eraseFlag bool
	noVerify  bool

	modelFlag   string
	channelFlag string
	versionFlag string
	forceFlag   bool
)

var (
	cfg config.Config
	log zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esprecover",
		Short: "Recover ExpTech ESP32 devices over serial",
		Long: `esprecover restores ExpTech sensor devices by flashing published
firmware over the ESP32 serial bootloader.

Firmware can come from the remote recovery manifest (recover) or from
a local .bin file (flash). Downloaded images are cached on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Download published firmware and flash it",
		Long: `Recover a device from the remote firmware manifest.

Without --model, the available models are listed. Without --version,
the newest version on the selected channel is flashed.`,
		Args: cobra.NoArgs,
		RunE: runRecover,
	}
	addDeviceFlags(recoverCmd)
	recoverCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Device model to recover")
	recoverCmd.Flags().StringVar(&channelFlag, "channel", string(manifest.ChannelRelease), "Update channel: Release or All")
	recoverCmd.Flags().StringVar(&versionFlag, "firmware-version", "", "Firmware version (default: newest)")
	recoverCmd.Flags().BoolVar(&forceFlag, "force-download", false, "Ignore the firmware cache")

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin>",
		Short: "Flash a local firmware file",
		Long: `Flash a local firmware image to the device.

Zstd-compressed images (.bin.zst) are decompressed automatically.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addDeviceFlags(flashCmd)
	flashCmd.Flags().Uint32Var(&addrFlag, "addr", 0, "Flash address for the image")

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the whole flash chip",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}
	eraseCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	eraseCmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show connected device info",
		Long:  "Detect connected devices in the serial bootloader and show their chip type.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esprecover %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(recoverCmd, flashCmd, eraseCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate for the handshake")
	cmd.Flags().BoolVar(&eraseFlag, "erase", false, "Erase the whole chip before writing")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip MD5 verification after writing")
}

func setup() error {
	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	var err error
	if configFlag != "" {
		cfg, err = config.Load(configFlag)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if baudFlag > 0 {
		cfg.Baud = baudFlag
	}
	return nil
}

// exitCode maps a terminal error to the process exit status.
func exitCode(err error) int {
	var cmdErr *session.CommandError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, session.ErrSyncTimeout):
		return exitSyncTimeout
	case errors.As(err, &cmdErr), errors.Is(err, session.ErrCommandTimeout):
		return exitCommand
	case errors.Is(err, flash.ErrVerifyFailed):
		return exitVerify
	case errors.Is(err, serial.ErrDeviceNotFound), errors.Is(err, serial.ErrPermissionDenied):
		return exitIO
	default:
		return exitGeneric
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("Loading firmware manifest...")
	m, err := manifest.Fetch(ctx, cfg.ManifestURL)
	if err != nil {
		return err
	}

	if modelFlag == "" {
		printModels(m)
		return nil
	}

	channel := manifest.Channel(channelFlag)
	if channel != manifest.ChannelRelease && channel != manifest.ChannelAll {
		return fmt.Errorf("unknown channel %q (expected Release or All)", channelFlag)
	}

	product, err := m.Find(modelFlag)
	if err != nil {
		return err
	}
	ver, err := product.Pick(channel, versionFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Selected %s (%s) firmware %s [%s]\n", product.Name, product.Model, ver.Version, ver.Type)

	store := &firmware.Store{CacheDir: cfg.CacheDir, Logger: log}
	path, err := store.Fetch(ctx, product.ArtifactURL(ver, cfg.BaseURL), product.Model, ver.Version, forceFlag)
	if err != nil {
		return err
	}
	img, err := firmware.LoadImage(path)
	if err != nil {
		return err
	}
	img.Name = fmt.Sprintf("%s %s", product.Model, ver.Version)

	return flashImages(ctx, []flash.Image{img})
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	img, err := firmware.LoadImage(args[0])
	if err != nil {
		return err
	}
	img.Addr = addrFlag
	fmt.Printf("Firmware: %s (%d bytes) at 0x%X\n", args[0], len(img.Data), img.Addr)

	return flashImages(ctx, []flash.Image{img})
}

func flashImages(ctx context.Context, images []flash.Image) error {
	port, err := resolvePort(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Port: %s @ %d baud\n", port, cfg.Baud)

	render := newProgressRenderer()
	defer render.finish()

	r := recovery.New(recovery.Options{
		Port:           port,
		Baud:           cfg.Baud,
		FlashBaud:      cfg.FlashBaud,
		FlashSize:      cfg.FlashSize,
		EraseFirst:     eraseFlag,
		Verify:         !noVerify,
		SyncAttempts:   cfg.SyncAttempts,
		BlockSize:      cfg.BlockSize,
		BlockRetries:   cfg.BlockRetries,
		CommandTimeout: cfg.CommandTimeout,
		Progress:       render.update,
		Logger:         log,
	})

	result := r.Flash(ctx, images)
	render.finish()
	if !result.OK {
		return fmt.Errorf("%s", result.Error())
	}
	fmt.Printf("\nDone! %s flashed and rebooted.\n", result.Chip)
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	port, err := resolvePort(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Erasing flash on %s...\n", port)

	r := recovery.New(recovery.Options{
		Port:           port,
		Baud:           cfg.Baud,
		FlashSize:      cfg.FlashSize,
		SyncAttempts:   cfg.SyncAttempts,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         log,
	})

	result := r.Erase(ctx)
	if !result.OK {
		return fmt.Errorf("%s", result.Error())
	}
	fmt.Println("Flash erased.")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Port != "" {
		dev, err := detect.Probe(ctx, cfg.Port, cfg.Baud)
		if err != nil {
			return err
		}
		printDevice(dev)
		return nil
	}

	fmt.Println("Scanning for devices...")
	devices, err := detect.Scan(ctx, cfg.Baud)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for _, d := range devices {
		printDevice(d)
		fmt.Println()
	}
	return nil
}

func printDevice(d detect.Device) {
	fmt.Printf("  Port: %s\n", d.Port)
	fmt.Printf("  Chip: %s\n", d.Chip)
	if d.ChipID != 0 {
		fmt.Printf("  Chip ID: %d (eco %d)\n", d.ChipID, d.EcoVersion)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func printModels(m *manifest.Manifest) {
	products := m.Available()
	if len(products) == 0 {
		fmt.Println("The manifest lists no products with published versions.")
		return
	}
	fmt.Println("Available models (pass one with --model):")
	for _, p := range products {
		fmt.Printf("  %-10s %s (%d versions)\n", p.Model, p.Name, len(p.Versions))
	}
}

func resolvePort(ctx context.Context) (string, error) {
	if cfg.Port != "" {
		return cfg.Port, nil
	}
	fmt.Println("Detecting device...")
	dev, err := detect.First(ctx, cfg.Baud)
	if err != nil {
		return "", err
	}
	fmt.Printf("Found %s on %s\n", dev.Chip, dev.Port)
	return dev.Port, nil
}

// progressRenderer draws one bar per operation phase. A new bar starts
// whenever the phase or image changes.
type progressRenderer struct {
	bar   *progressbar.ProgressBar
	phase flash.Phase
	name  string
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{}
}

func (p *progressRenderer) update(e flash.Event) {
	if p.bar == nil || e.Phase != p.phase || e.Name != p.name {
		p.finish()
		p.phase, p.name = e.Phase, e.Name
		desc := string(e.Phase)
		if e.Name != "" {
			desc = fmt.Sprintf("%s %s", e.Phase, e.Name)
		}
		p.bar = progressbar.NewOptions(e.Total,
			progressbar.OptionSetDescription(desc),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	p.bar.Set(e.Done)
}

func (p *progressRenderer) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
