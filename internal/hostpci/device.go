// Package hostpci gives raw access to a physical PCI function through the
// Linux sysfs interface: config-space I/O, BAR geometry and capability-chain
// walks. It performs no emulation of its own.
package hostpci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/pcipt/internal/devices/passthrough"
)

// DefaultSysfsRoot is where the kernel exposes PCI devices.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

const (
	pciConfigSpaceSize  = 0x100
	pcieConfigSpaceSize = 0x1000
	pciNumRegions       = 7
	pciROMSlot          = 6

	pciStatus         = 0x06
	pciStatusCapList  = 0x0010
	pciCapabilityPtr  = 0x34
	pciCapListID      = 0
	pciCapListNext    = 1
	pciCapIDExp       = 0x10
	pciExpFlagsOffset = 2

	maxCapWalk    = 48
	maxExtCapWalk = (pcieConfigSpaceSize - pciConfigSpaceSize) / 8
)

// Linux ioresource flag bits, as found in the sysfs resource file.
const (
	ioresourceBusBits  = 0x000000ff
	ioresourceIO       = 0x00000100
	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00002000
	ioresourceMem64    = 0x00100000
)

// Addr is a PCI function address in domain:bus:device.function form.
type Addr struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParseAddr parses "0000:03:00.0" style addresses. A missing domain part
// defaults to domain 0.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		parts = append([]string{"0000"}, parts...)
	case 3:
	default:
		return a, fmt.Errorf("invalid pci address %q", s)
	}

	domain, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return a, fmt.Errorf("invalid pci domain in %q: %w", s, err)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return a, fmt.Errorf("invalid pci bus in %q: %w", s, err)
	}
	devFn := strings.SplitN(parts[2], ".", 2)
	if len(devFn) != 2 {
		return a, fmt.Errorf("invalid pci device.function in %q", s)
	}
	dev, err := strconv.ParseUint(devFn[0], 16, 8)
	if err != nil || dev > 0x1f {
		return a, fmt.Errorf("invalid pci device in %q", s)
	}
	fn, err := strconv.ParseUint(devFn[1], 16, 8)
	if err != nil || fn > 7 {
		return a, fmt.Errorf("invalid pci function in %q", s)
	}

	a.Domain = uint16(domain)
	a.Bus = uint8(bus)
	a.Device = uint8(dev)
	a.Function = uint8(fn)
	return a, nil
}

func (a Addr) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Device, a.Function)
}

// Device is one open host PCI function. It implements the config-space
// collaborator interface of the passthrough model.
type Device struct {
	addr Addr
	root string
	fd   int

	info       passthrough.DeviceInfo
	regions    [pciNumRegions]passthrough.Region
	hasExtCaps bool
}

// Open opens the function at addr under the default sysfs root.
func Open(addr Addr) (*Device, error) {
	return OpenAt(DefaultSysfsRoot, addr)
}

// OpenAt opens the function under an explicit sysfs root. Tests point this
// at a fabricated device directory.
func OpenAt(root string, addr Addr) (*Device, error) {
	d := &Device{addr: addr, root: root, fd: -1}

	fd, err := unix.Open(d.sysfsPath("config"), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.sysfsPath("config"), err)
	}
	d.fd = fd

	if err := d.readAttributes(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.readResource(); err != nil {
		d.Close()
		return nil, err
	}

	d.hasExtCaps = d.probeExtCaps()

	if err := d.probePCIeFlags(); err != nil {
		d.Close()
		return nil, err
	}

	if _, err := os.Stat(d.sysfsPath("physfn")); err == nil {
		d.info.IsVirtFn = true
	}

	return d, nil
}

// Close releases the config-space file descriptor. Safe to call twice.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Addr returns the function's host address.
func (d *Device) Address() Addr { return d.addr }

// Info returns the attributes read from sysfs at open time.
func (d *Device) Info() passthrough.DeviceInfo { return d.info }

// Region returns BAR windows 0..5; index 6 is the expansion ROM.
func (d *Device) Region(index int) passthrough.Region {
	if index < 0 || index >= pciNumRegions {
		return passthrough.Region{}
	}
	return d.regions[index]
}

func (d *Device) sysfsPath(name string) string {
	return filepath.Join(d.root, d.addr.String(), name)
}

func (d *Device) readSysfsValue(name string) (uint64, error) {
	raw, err := os.ReadFile(d.sysfsPath(name))
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", d.sysfsPath(name), err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", d.sysfsPath(name), err)
	}
	return v, nil
}

func (d *Device) readAttributes() error {
	vendor, err := d.readSysfsValue("vendor")
	if err != nil {
		return err
	}
	device, err := d.readSysfsValue("device")
	if err != nil {
		return err
	}
	irq, err := d.readSysfsValue("irq")
	if err != nil {
		return err
	}
	class, err := d.readSysfsValue("class")
	if err != nil {
		return err
	}

	d.info.VendorID = uint16(vendor)
	d.info.DeviceID = uint16(device)
	d.info.IRQ = int(irq)
	d.info.ClassCode = uint32(class)
	return nil
}

// readResource parses the per-BAR "start end flags" lines of the sysfs
// resource file. Only the first seven regions (six BARs plus the expansion
// ROM) are interesting.
func (d *Device) readResource() error {
	raw, err := os.ReadFile(d.sysfsPath("resource"))
	if err != nil {
		return fmt.Errorf("reading %s: %w", d.sysfsPath("resource"), err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) < pciNumRegions {
		return fmt.Errorf("resource file for %s too short: %d lines", d.addr, len(lines))
	}

	for i := 0; i < pciNumRegions; i++ {
		fields := strings.Fields(lines[i])
		if len(fields) != 3 {
			return fmt.Errorf("invalid resource line %d for %s: %q", i, d.addr, lines[i])
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid resource start in line %d: %w", i, err)
		}
		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid resource end in line %d: %w", i, err)
		}
		flags, err := strconv.ParseUint(fields[2], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid resource flags in line %d: %w", i, err)
		}

		r := passthrough.Region{
			BaseAddr: start,
			BusFlags: flags & ioresourceBusBits,
		}
		if start != 0 {
			r.Size = end - start + 1
		}
		if flags&ioresourceIO != 0 {
			r.Type |= passthrough.RegionTypeIO
		}
		if flags&ioresourceMem != 0 {
			r.Type |= passthrough.RegionTypeMem
		}
		if flags&ioresourcePrefetch != 0 {
			r.Type |= passthrough.RegionTypePrefetch
		}
		if flags&ioresourceMem64 != 0 {
			r.Type |= passthrough.RegionTypeMem64
		}
		d.regions[i] = r
	}
	return nil
}

// probeExtCaps checks whether extended config space is readable and starts
// a capability chain. All zeroes means no chain; all ones means the space
// is not accessible through this config file.
func (d *Device) probeExtCaps() bool {
	header, err := d.ReadLong(pciConfigSpaceSize)
	if err != nil {
		return false
	}
	return header != 0 && header != ^uint32(0)
}

// probePCIeFlags caches the PCI Express Capabilities register, or 0xffff
// when the function carries no PCIe capability.
func (d *Device) probePCIeFlags() error {
	pos := d.FindNextCapability(0, pciCapIDExp)
	if pos == 0 {
		d.info.PCIeFlags = 0xffff
		return nil
	}
	flags, err := d.ReadWord(pos + pciExpFlagsOffset)
	if err != nil {
		return fmt.Errorf("reading pcie capability at %#x: %w", pos, err)
	}
	d.info.PCIeFlags = flags
	return nil
}

func (d *Device) pread(pos uint32, buf []byte) error {
	for {
		n, err := unix.Pread(d.fd, buf, int64(pos))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short config read at %#x: %d of %d bytes", pos, n, len(buf))
		}
		return nil
	}
}

func (d *Device) pwrite(pos uint32, buf []byte) error {
	for {
		n, err := unix.Pwrite(d.fd, buf, int64(pos))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short config write at %#x: %d of %d bytes", pos, n, len(buf))
		}
		return nil
	}
}

// Config space is little-endian on the wire.

func (d *Device) ReadByte(pos uint32) (uint8, error) {
	var buf [1]byte
	if err := d.pread(pos, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) ReadWord(pos uint32) (uint16, error) {
	var buf [2]byte
	if err := d.pread(pos, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (d *Device) ReadLong(pos uint32) (uint32, error) {
	var buf [4]byte
	if err := d.pread(pos, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// ReadBlock fills buf from config space starting at pos.
func (d *Device) ReadBlock(pos uint32, buf []byte) error {
	return d.pread(pos, buf)
}

func (d *Device) WriteByte(pos uint32, v uint8) error {
	buf := [1]byte{v}
	return d.pwrite(pos, buf[:])
}

func (d *Device) WriteWord(pos uint32, v uint16) error {
	buf := [2]byte{byte(v), byte(v >> 8)}
	return d.pwrite(pos, buf[:])
}

func (d *Device) WriteLong(pos uint32, v uint32) error {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return d.pwrite(pos, buf[:])
}

// FindNextCapability walks the legacy capability list looking for id,
// starting from the next-pointer location start (0 anchors the walk at the
// Capabilities Pointer). passthrough.CapIDAny matches any capability.
// Returns 0 when not found, on I/O errors and on corrupt chains.
func (d *Device) FindNextCapability(start uint32, id uint32) uint32 {
	status, err := d.ReadWord(pciStatus)
	if err != nil || status&pciStatusCapList == 0 {
		return 0
	}

	cur := start
	if cur < pciCapabilityPtr {
		cur = pciCapabilityPtr
	}

	for hops := 0; hops < maxCapWalk; hops++ {
		next, err := d.ReadByte(cur)
		if err != nil || next == 0 {
			return 0
		}
		cur = uint32(next)

		if id == passthrough.CapIDAny {
			return cur
		}
		capID, err := d.ReadByte(cur + pciCapListID)
		if err != nil || capID == 0xff {
			return 0
		}
		if uint32(capID) == id {
			return cur
		}
		cur += pciCapListNext
	}
	return 0
}

// FindNextExtCapability is the extended-config-space walk. start is a
// capability offset (0 anchors at the base of extended space).
func (d *Device) FindNextExtCapability(start uint32, id uint32) uint32 {
	if !d.hasExtCaps {
		return 0
	}

	pos := start
	if pos == 0 {
		pos = pciConfigSpaceSize
	} else {
		header, err := d.ReadLong(pos)
		if err != nil {
			return 0
		}
		pos = header >> 20 & 0xffc
	}

	for hops := 0; hops < maxExtCapWalk; hops++ {
		if pos == 0 || pos < pciConfigSpaceSize {
			return 0
		}
		header, err := d.ReadLong(pos)
		if err != nil {
			return 0
		}
		// No capabilities at all shows up as an all-zero header; all ones
		// means extended space is unreadable.
		if header == 0 || header == ^uint32(0) {
			return 0
		}
		if id == passthrough.CapIDAny || header&0xffff == id {
			return pos
		}
		pos = header >> 20 & 0xffc
	}
	return 0
}
