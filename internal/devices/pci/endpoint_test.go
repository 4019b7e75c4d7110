package pci

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/pcipt/internal/devices/passthrough"
)

// flatHostDevice is a capability-less hardware fake backing a passthrough
// device registered behind the bridge.
type flatHostDevice struct {
	config  [0x1000]byte
	info    passthrough.DeviceInfo
	regions [7]passthrough.Region
}

func (f *flatHostDevice) ReadByte(pos uint32) (uint8, error) { return f.config[pos], nil }

func (f *flatHostDevice) ReadWord(pos uint32) (uint16, error) {
	return binary.LittleEndian.Uint16(f.config[pos:]), nil
}

func (f *flatHostDevice) ReadLong(pos uint32) (uint32, error) {
	return binary.LittleEndian.Uint32(f.config[pos:]), nil
}

func (f *flatHostDevice) WriteByte(pos uint32, v uint8) error {
	f.config[pos] = v
	return nil
}

func (f *flatHostDevice) WriteWord(pos uint32, v uint16) error {
	binary.LittleEndian.PutUint16(f.config[pos:], v)
	return nil
}

func (f *flatHostDevice) WriteLong(pos uint32, v uint32) error {
	binary.LittleEndian.PutUint32(f.config[pos:], v)
	return nil
}

func (f *flatHostDevice) FindNextCapability(start, id uint32) uint32    { return 0 }
func (f *flatHostDevice) FindNextExtCapability(start, id uint32) uint32 { return 0 }
func (f *flatHostDevice) Info() passthrough.DeviceInfo                  { return f.info }
func (f *flatHostDevice) Region(index int) passthrough.Region           { return f.regions[index] }

// TestPassthroughEndpointBehindBridge drives a full passthrough device
// through the ECAM aperture: identity comes from the emulated model, the BAR
// answers a size probe from its shadow, and the hardware never sees the
// probe.
func TestPassthroughEndpointBehindBridge(t *testing.T) {
	f := &flatHostDevice{
		info: passthrough.DeviceInfo{
			VendorID:  0x8086,
			DeviceID:  0x100e,
			PCIeFlags: 0xffff,
		},
	}
	f.regions[0] = passthrough.Region{
		BaseAddr: 0xd0000000,
		Size:     0x10000,
		Type:     passthrough.RegionTypeMem | passthrough.RegionTypeMem64 | passthrough.RegionTypePrefetch,
		BusFlags: 0x0c,
	}
	binary.LittleEndian.PutUint32(f.config[0x10:], 0xd000000c)

	dev, err := passthrough.New(f, passthrough.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()

	h := NewHostBridge(HostBridgeConfig{ConfigBase: 0x3000_0000})
	if _, err := h.RegisterEndpoint(0, 1, 0, ConfigEndpoint{Space: dev}); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	var buf [4]byte
	if err := h.ReadECAM(ecamAddr(0x3000_0000, 0, 1, 0, 0), buf[:]); err != nil {
		t.Fatalf("ReadECAM: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != 0x100e8086 {
		t.Errorf("expected 0x100e8086, got %#08x", got)
	}

	// BAR 0 shows the host placement until the guest reprograms it.
	if err := h.ReadECAM(ecamAddr(0x3000_0000, 0, 1, 0, 0x10), buf[:]); err != nil {
		t.Fatalf("ReadECAM: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != 0xd000000c {
		t.Errorf("expected BAR 0xd000000c, got %#08x", got)
	}

	binary.LittleEndian.PutUint32(buf[:], 0xffff_ffff)
	if err := h.WriteECAM(ecamAddr(0x3000_0000, 0, 1, 0, 0x10), buf[:]); err != nil {
		t.Fatalf("WriteECAM: %v", err)
	}
	if err := h.ReadECAM(ecamAddr(0x3000_0000, 0, 1, 0, 0x10), buf[:]); err != nil {
		t.Fatalf("ReadECAM: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != 0xffff000c {
		t.Errorf("expected size probe result 0xffff000c, got %#08x", got)
	}

	if got := binary.LittleEndian.Uint32(f.config[0x10:]); got != 0xd000000c {
		t.Errorf("hardware BAR must be untouched, got %#08x", got)
	}
}
