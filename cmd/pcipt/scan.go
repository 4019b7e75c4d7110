package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/pcipt/internal/hostpci"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List PCI devices visible in sysfs",
	RunE: func(cmd *cobra.Command, args []string) error {
		addrs, err := listDevices()
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			fmt.Println("No PCI devices found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tVENDOR\tDEVICE\tCLASS\tDRIVER")

		for _, addr := range addrs {
			dir := filepath.Join(hostpci.DefaultSysfsRoot, addr.String())
			vendor := readAttr(dir, "vendor")
			device := readAttr(dir, "device")
			class := readAttr(dir, "class")
			driver := "-"
			if target, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
				driver = filepath.Base(target)
			}
			fmt.Fprintf(w, "%s\t%04x\t%04x\t%06x\t%s\n", addr, vendor, device, class, driver)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\nTotal: %d devices\n", len(addrs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func listDevices() ([]hostpci.Addr, error) {
	entries, err := os.ReadDir(hostpci.DefaultSysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", hostpci.DefaultSysfsRoot, err)
	}

	var addrs []hostpci.Addr
	for _, e := range entries {
		addr, err := hostpci.ParseAddr(e.Name())
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
	return addrs, nil
}

func readAttr(dir, name string) uint64 {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 64)
	if err != nil {
		return 0
	}
	return v
}
