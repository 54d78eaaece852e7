package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/embedded"
	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/detect"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag  string
	baudFlag  int
	probeFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papyrix-ota",
		Short: "Over-the-air firmware updates for Papyrix devices",
		Long: `Papyrix OTA receives firmware images over Bluetooth LE or a serial
bridge, stages them into the inactive A/B slot and boots into them.

Run "serve" on the device and "push" on the machine holding the image.`,
		SilenceUsage: true,
	}

	serveCmd := newServeCmd()
	pushCmd := newPushCmd()
	statusCmd := newStatusCmd()

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show update state of serial link devices",
		Long:  "Query connected serial link devices for their OTA state.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&probeFlag, "probe", false, "Query each port for an OTA device")
	listCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate used with --probe")

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print a sample configuration",
		Long:  "Print an annotated configuration file with the default values.\nInstall it as " + config.DefaultPath + ".",
		Run: func(cmd *cobra.Command, args []string) {
			os.Stdout.Write(embedded.Config())
		},
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papyrix-ota %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(serveCmd, pushCmd, statusCmd, infoCmd, listCmd, configCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	d := detect.New()
	if portFlag != "" {
		result, err := d.DetectOnPort(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to query device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for OTA devices...")
	devices, err := d.ListDevices(baudFlag)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No OTA devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, dev := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&dev)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  State:    %s\n", d.StateName())
	fmt.Printf("  Progress: %d%%\n", d.Status.Progress)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.Describe()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	found := map[string]detect.Result{}
	if probeFlag {
		devices, err := detect.New().ListDevices(baudFlag)
		if err != nil {
			return err
		}
		for _, dev := range devices {
			found[dev.Port] = dev
		}
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		line := p.Name
		if p.USB {
			line += fmt.Sprintf("  [%s:%s]", p.VID, p.PID)
			if p.Product != "" {
				line += " " + p.Product
			}
		}
		if dev, ok := found[p.Name]; ok {
			line += fmt.Sprintf("  (ota: %s %d%%)", dev.StateName(), dev.Status.Progress)
		}
		fmt.Printf("  %s\n", line)
	}

	return nil
}
