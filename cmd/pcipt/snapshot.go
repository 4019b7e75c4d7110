package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/pcipt/internal/hostpci"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <dir>",
	Short: "Snapshot the configuration space of every PCI device",
	Long: `Reads the raw configuration space of every device in sysfs and writes one
<address>.bin file per device into the given directory. Devices whose config
file cannot be opened are skipped with a warning.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		addrs, err := listDevices()
		if err != nil {
			return err
		}

		bar := progressbar.Default(int64(len(addrs)), "snapshot")
		defer bar.Close()

		written := 0
		for _, addr := range addrs {
			if err := snapshotDevice(dir, addr); err != nil {
				slog.Warn("skipping device", "addr", addr.String(), "err", err)
			} else {
				written++
			}
			if err := bar.Add(1); err != nil {
				return err
			}
		}

		fmt.Printf("Wrote %d of %d devices to %s\n", written, len(addrs), dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func snapshotDevice(dir string, addr hostpci.Addr) error {
	host, err := hostpci.Open(addr)
	if err != nil {
		return err
	}
	defer host.Close()

	size := 0x100
	if host.Info().PCIeFlags != 0xffff {
		size = 0x1000
	}
	buf := make([]byte, size)
	if err := host.ReadBlock(0, buf); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, addr.String()+".bin"), buf, 0o644)
}
