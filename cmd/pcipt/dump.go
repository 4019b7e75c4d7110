package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/pcipt/internal/devices/passthrough"
	"github.com/tinyrange/pcipt/internal/hostpci"
)

var (
	dumpRaw        bool
	dumpPermissive bool
	dumpQuirks     string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <address>",
	Short: "Dump a device's guest-visible configuration space",
	Long: `Builds the passthrough register model for the device and dumps the 4 KiB
configuration space a guest would see. With --raw the real hardware values
are dumped instead, for comparison.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := hostpci.ParseAddr(args[0])
		if err != nil {
			return err
		}
		host, err := hostpci.Open(addr)
		if err != nil {
			return err
		}
		defer host.Close()

		if dumpRaw {
			buf := make([]byte, 0x1000)
			if err := host.ReadBlock(0, buf); err != nil {
				return fmt.Errorf("reading config space: %w", err)
			}
			hexdump(buf)
			return nil
		}

		dev, err := buildModel(host)
		if err != nil {
			return err
		}
		defer dev.Close()

		buf := make([]byte, 0x1000)
		for off := uint32(0); off < uint32(len(buf)); off += 4 {
			v, err := dev.HandleRead(off, 4)
			if err != nil {
				return fmt.Errorf("reading %#04x: %w", off, err)
			}
			buf[off] = byte(v)
			buf[off+1] = byte(v >> 8)
			buf[off+2] = byte(v >> 16)
			buf[off+3] = byte(v >> 24)
		}
		hexdump(buf)
		return nil
	},
}

var capsCmd = &cobra.Command{
	Use:   "caps <address>",
	Short: "Walk the guest-visible capability chains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := hostpci.ParseAddr(args[0])
		if err != nil {
			return err
		}
		host, err := hostpci.Open(addr)
		if err != nil {
			return err
		}
		defer host.Close()

		dev, err := buildModel(host)
		if err != nil {
			return err
		}
		defer dev.Close()

		ptr, err := dev.HandleRead(0x34, 1)
		if err != nil {
			return err
		}
		for ptr != 0 {
			id, err := dev.HandleRead(ptr, 1)
			if err != nil {
				return err
			}
			fmt.Printf("%#04x: capability %#02x\n", ptr, id)
			ptr, err = dev.HandleRead(ptr+1, 1)
			if err != nil {
				return err
			}
		}

		pos := uint32(0x100)
		for pos >= 0x100 {
			header, err := dev.HandleRead(pos, 4)
			if err != nil {
				return err
			}
			if header == 0 || header == 0xffffffff {
				break
			}
			fmt.Printf("%#04x: extended capability %#04x version %d\n",
				pos, header&0xffff, header>>16&0xf)
			pos = header >> 20 & 0xffc
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpRaw, "raw", false, "dump raw hardware values instead of the guest view")
	dumpCmd.Flags().BoolVar(&dumpPermissive, "permissive", false, "let writes reach hardware-reserved bits")
	dumpCmd.Flags().StringVar(&dumpQuirks, "quirks", "", "YAML quirk table of capabilities to hide")
	capsCmd.Flags().BoolVar(&dumpPermissive, "permissive", false, "let writes reach hardware-reserved bits")
	capsCmd.Flags().StringVar(&dumpQuirks, "quirks", "", "YAML quirk table of capabilities to hide")
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(capsCmd)
}

func buildModel(host *hostpci.Device) (*passthrough.Device, error) {
	opts := passthrough.Options{
		Permissive: dumpPermissive,
		Logger:     slog.Default(),
	}
	if dumpQuirks != "" {
		policy, err := passthrough.LoadHidePolicy(dumpQuirks)
		if err != nil {
			return nil, err
		}
		opts.HidePolicy = policy
	}
	return passthrough.New(host, opts)
}

// hexdump prints 16 bytes per row, with bold section markers at the start of
// legacy and extended config space when writing to a terminal.
func hexdump(buf []byte) {
	color := term.IsTerminal(int(os.Stdout.Fd()))
	for off := 0; off < len(buf); off += 16 {
		if color && (off == 0 || off == 0x100) {
			fmt.Print("\x1b[1m")
		}
		fmt.Printf("%04x:", off)
		for i := 0; i < 16; i++ {
			if i%4 == 0 {
				fmt.Print(" ")
			}
			fmt.Printf("%02x", buf[off+i])
		}
		if color && (off == 0 || off == 0x100) {
			fmt.Print("\x1b[0m")
		}
		fmt.Println()
	}
}
