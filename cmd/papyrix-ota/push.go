package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/ble"
	"github.com/bigbag/papyrix-ota/internal/detect"
	"github.com/bigbag/papyrix-ota/internal/link"
	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/sender"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

const (
	transportBLE    = "ble"
	transportSerial = "serial"
)

var (
	transportFlag  string
	addressFlag    string
	fwVersionFlag  uint32
	mtuFlag        int
	chunkSizeFlag  int
	noChecksumFlag bool
	writeDelayFlag time.Duration
	scanFlag       time.Duration
	verboseFlag    bool
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <firmware.bin>",
		Short: "Upload firmware to a device",
		Long: `Upload a firmware image to a device running "papyrix-ota serve".

The image is sent as a header followed by numbered chunks. Over BLE the
chunk size follows the negotiated MTU; over a serial bridge the port is
auto-detected unless --port is given. The device verifies the CRC-32 of
the image, switches its boot slot and restarts.`,
		Args: cobra.ExactArgs(1),
		RunE: runPush,
	}
	cmd.Flags().StringVarP(&transportFlag, "transport", "t", transportBLE, "Transport: ble or serial")
	cmd.Flags().StringVarP(&addressFlag, "address", "a", "", "BLE address (first advertiser if not specified)")
	cmd.Flags().DurationVar(&scanFlag, "scan-timeout", ble.DefaultScanTimeout, "BLE scan timeout")
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	cmd.Flags().Uint32Var(&fwVersionFlag, "fw-version", 0, "Firmware version stored in the header")
	cmd.Flags().IntVar(&mtuFlag, "mtu", protocol.DefaultMTU, "ATT MTU used to size chunks")
	cmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 0, "Chunk payload size (derived from --mtu if not specified)")
	cmd.Flags().BoolVar(&noChecksumFlag, "no-checksum", false, "Send a zero checksum so the device skips verification")
	cmd.Flags().DurationVar(&writeDelayFlag, "write-delay", 0, "Pause between chunk writes")
	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log protocol details to stderr")
	return cmd
}

func runPush(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	firmware, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}
	if len(firmware) == 0 {
		return fmt.Errorf("firmware file %s is empty", firmwarePath)
	}

	fmt.Printf("Firmware: %s (%d bytes)\n", firmwarePath, len(firmware))

	level := "warn"
	if verboseFlag {
		level = "debug"
	}
	logging.Set(logging.Output(os.Stderr))
	logging.Set(logging.Level(level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	l, err := openLink(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	chunkSize := chunkSizeFlag
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkPayloadSize(mtuFlag)
	}
	if limit := link.MaxFrame - 1 - protocol.ChunkHeaderSize; transportFlag == transportSerial && chunkSize > limit {
		return fmt.Errorf("chunk size %d exceeds the serial frame limit of %d", chunkSize, limit)
	}

	u := sender.New(l,
		sender.WithChunkSize(chunkSize),
		sender.WithChecksum(!noChecksumFlag),
		sender.WithWriteDelay(writeDelayFlag),
		sender.WithLogger(logging.New("push")),
	)

	bar := progressbar.NewOptions(len(firmware),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	u.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("Sending version %d in %d byte chunks...\n", fwVersionFlag, chunkSize)
	if err := u.Upload(ctx, firmware, fwVersionFlag); err != nil {
		fmt.Println()
		return fmt.Errorf("upload failed: %w", err)
	}

	bar.Finish()
	fmt.Println("\nUpload complete!")
	fmt.Println("Device is restarting into the new firmware.")
	return nil
}

func openLink(ctx context.Context) (sender.Link, error) {
	switch transportFlag {
	case transportBLE:
		fmt.Println("Scanning for OTA service...")
		l, err := ble.Dial(ctx, ble.Options{
			Address:     addressFlag,
			ScanTimeout: scanFlag,
			Log:         logging.New("ble"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		fmt.Println("Connected!")
		return l, nil

	case transportSerial:
		portName := portFlag
		if portName == "" {
			fmt.Println("Detecting device...")
			result, err := detect.New().DetectDevice(baudFlag)
			if err != nil {
				return nil, fmt.Errorf("device detection failed: %w", err)
			}
			portName = result.Port
			fmt.Printf("Found device on %s (%s)\n", result.Port, result.StateName())
		}

		l, err := link.Dial(portName, baudFlag, link.WithLogger(logging.New("link")))
		if err != nil {
			return nil, fmt.Errorf("failed to open port: %w", err)
		}
		fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)
		return l, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", transportFlag)
	}
}
