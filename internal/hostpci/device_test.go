package hostpci

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pcipt/internal/devices/passthrough"
)

const testAddr = "0000:03:00.0"

// fakeConfig builds a config space with a PM -> MSI -> PCIe legacy chain and
// an AER -> serial-number extended chain.
func fakeConfig() []byte {
	cfg := make([]byte, 4096)

	binary.LittleEndian.PutUint16(cfg[0x00:], 0x8086) // vendor
	binary.LittleEndian.PutUint16(cfg[0x02:], 0x10fb) // device
	binary.LittleEndian.PutUint16(cfg[0x06:], 0x0010) // status: capability list
	cfg[0x34] = 0x50                                  // capability pointer

	cfg[0x50] = 0x01 // power management
	cfg[0x51] = 0x60
	cfg[0x60] = 0x05 // msi
	cfg[0x61] = 0x70
	cfg[0x70] = 0x10 // pci express
	cfg[0x71] = 0x00
	binary.LittleEndian.PutUint16(cfg[0x72:], 0x0002) // v2 endpoint

	binary.LittleEndian.PutUint32(cfg[0x100:], 0x140<<20|1<<16|0x0001) // aer
	binary.LittleEndian.PutUint32(cfg[0x140:], 1<<16|0x0003)           // serial number

	return cfg
}

const fakeResource = `0x00000000e0000000 0x00000000e07fffff 0x000000000014220c
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x000000000000d000 0x000000000000d07f 0x0000000000040101
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x00000000fe000000 0x00000000fe07ffff 0x0000000000046200
`

func writeFakeDevice(t *testing.T, cfg []byte) string {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, testAddr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	files := map[string]string{
		"vendor":   "0x8086\n",
		"device":   "0x10fb\n",
		"irq":      "42\n",
		"class":    "0x020000\n",
		"resource": fakeResource,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), cfg, 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	return root
}

func openFakeDevice(t *testing.T, cfg []byte) *Device {
	t.Helper()

	root := writeFakeDevice(t, cfg)
	addr, err := ParseAddr(testAddr)
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	d, err := OpenAt(root, addr)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		input    string
		expected Addr
		wantErr  bool
	}{
		{input: "0000:03:00.0", expected: Addr{Domain: 0, Bus: 3, Device: 0, Function: 0}},
		{input: "0001:af:1f.7", expected: Addr{Domain: 1, Bus: 0xaf, Device: 0x1f, Function: 7}},
		{input: "04:10.2", expected: Addr{Domain: 0, Bus: 4, Device: 0x10, Function: 2}},
		{input: "0000:03:00", wantErr: true},
		{input: "0000:03:20.0", wantErr: true},
		{input: "0000:03:00.8", wantErr: true},
		{input: "nonsense", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tc := range tests {
		addr, err := ParseAddr(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAddr(%q): expected error, got %v", tc.input, addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddr(%q): %v", tc.input, err)
			continue
		}
		if addr != tc.expected {
			t.Errorf("ParseAddr(%q): expected %v, got %v", tc.input, tc.expected, addr)
		}
	}
}

func TestAddrRoundTrip(t *testing.T) {
	addr, err := ParseAddr("0001:af:1f.7")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	if addr.String() != "0001:af:1f.7" {
		t.Errorf("expected 0001:af:1f.7, got %s", addr.String())
	}
}

func TestOpenAtAttributes(t *testing.T) {
	d := openFakeDevice(t, fakeConfig())

	info := d.Info()
	if info.VendorID != 0x8086 {
		t.Errorf("expected vendor 0x8086, got %#04x", info.VendorID)
	}
	if info.DeviceID != 0x10fb {
		t.Errorf("expected device 0x10fb, got %#04x", info.DeviceID)
	}
	if info.IRQ != 42 {
		t.Errorf("expected irq 42, got %d", info.IRQ)
	}
	if info.ClassCode != 0x020000 {
		t.Errorf("expected class 0x020000, got %#06x", info.ClassCode)
	}
	if info.PCIeFlags != 0x0002 {
		t.Errorf("expected pcie flags 0x0002, got %#04x", info.PCIeFlags)
	}
	if info.IsVirtFn {
		t.Errorf("expected physical function")
	}
}

func TestRegions(t *testing.T) {
	d := openFakeDevice(t, fakeConfig())

	bar0 := d.Region(0)
	if bar0.BaseAddr != 0xe0000000 || bar0.Size != 0x800000 {
		t.Errorf("bar0: expected base 0xe0000000 size 0x800000, got %#x size %#x", bar0.BaseAddr, bar0.Size)
	}
	wantType := passthrough.RegionTypeMem | passthrough.RegionTypePrefetch | passthrough.RegionTypeMem64
	if bar0.Type != wantType {
		t.Errorf("bar0: expected type %#x, got %#x", wantType, bar0.Type)
	}
	if bar0.BusFlags != 0x0c {
		t.Errorf("bar0: expected bus flags 0x0c, got %#x", bar0.BusFlags)
	}

	bar2 := d.Region(2)
	if bar2.Type != passthrough.RegionTypeIO {
		t.Errorf("bar2: expected io type, got %#x", bar2.Type)
	}
	if bar2.Size != 0x80 {
		t.Errorf("bar2: expected size 0x80, got %#x", bar2.Size)
	}

	if d.Region(1).Size != 0 {
		t.Errorf("bar1: expected unused region")
	}

	rom := d.Region(6)
	if rom.BaseAddr != 0xfe000000 || rom.Size != 0x80000 {
		t.Errorf("rom: expected base 0xfe000000 size 0x80000, got %#x size %#x", rom.BaseAddr, rom.Size)
	}

	if d.Region(7) != (passthrough.Region{}) {
		t.Errorf("out-of-range region should be empty")
	}
}

func TestFindNextCapability(t *testing.T) {
	d := openFakeDevice(t, fakeConfig())

	if pos := d.FindNextCapability(0, passthrough.CapIDAny); pos != 0x50 {
		t.Errorf("first capability: expected 0x50, got %#x", pos)
	}
	if pos := d.FindNextCapability(0, 0x05); pos != 0x60 {
		t.Errorf("msi capability: expected 0x60, got %#x", pos)
	}
	if pos := d.FindNextCapability(0, 0x10); pos != 0x70 {
		t.Errorf("pcie capability: expected 0x70, got %#x", pos)
	}
	if pos := d.FindNextCapability(0, 0x09); pos != 0 {
		t.Errorf("absent capability: expected 0, got %#x", pos)
	}
}

func TestFindNextCapabilityNoList(t *testing.T) {
	cfg := fakeConfig()
	binary.LittleEndian.PutUint16(cfg[0x06:], 0) // clear capability list bit
	d := openFakeDevice(t, cfg)

	if pos := d.FindNextCapability(0, passthrough.CapIDAny); pos != 0 {
		t.Errorf("expected no capabilities, got %#x", pos)
	}
	if d.Info().PCIeFlags != 0xffff {
		t.Errorf("expected pcie flags 0xffff, got %#04x", d.Info().PCIeFlags)
	}
}

func TestFindNextCapabilityLoop(t *testing.T) {
	cfg := fakeConfig()
	cfg[0x61] = 0x50 // msi points back at pm
	d := openFakeDevice(t, cfg)

	if pos := d.FindNextCapability(0, 0x42); pos != 0 {
		t.Errorf("looped chain: expected 0, got %#x", pos)
	}
}

func TestFindNextExtCapability(t *testing.T) {
	d := openFakeDevice(t, fakeConfig())

	if pos := d.FindNextExtCapability(0, 0x0001); pos != 0x100 {
		t.Errorf("aer: expected 0x100, got %#x", pos)
	}
	if pos := d.FindNextExtCapability(0, 0x0003); pos != 0x140 {
		t.Errorf("serial number: expected 0x140, got %#x", pos)
	}
	if pos := d.FindNextExtCapability(0, 0x0019); pos != 0 {
		t.Errorf("absent: expected 0, got %#x", pos)
	}
	if pos := d.FindNextExtCapability(0x100, passthrough.CapIDAny); pos != 0x140 {
		t.Errorf("continuation: expected 0x140, got %#x", pos)
	}
}

func TestFindNextExtCapabilityAbsent(t *testing.T) {
	cfg := fakeConfig()
	binary.LittleEndian.PutUint32(cfg[0x100:], 0)
	d := openFakeDevice(t, cfg)

	if pos := d.FindNextExtCapability(0, passthrough.CapIDAny); pos != 0 {
		t.Errorf("expected no extended capabilities, got %#x", pos)
	}
}

func TestConfigReadWrite(t *testing.T) {
	d := openFakeDevice(t, fakeConfig())

	v, err := d.ReadWord(0x00)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0x8086 {
		t.Errorf("expected 0x8086, got %#04x", v)
	}

	if err := d.WriteLong(0x10, 0xe0000004); err != nil {
		t.Fatalf("WriteLong: %v", err)
	}
	l, err := d.ReadLong(0x10)
	if err != nil {
		t.Fatalf("ReadLong: %v", err)
	}
	if l != 0xe0000004 {
		t.Errorf("expected 0xe0000004, got %#08x", l)
	}

	if err := d.WriteByte(0x3c, 0x0b); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	b, err := d.ReadByte(0x3c)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0x0b {
		t.Errorf("expected 0x0b, got %#02x", b)
	}
}

func TestVirtualFunction(t *testing.T) {
	root := writeFakeDevice(t, fakeConfig())
	if err := os.MkdirAll(filepath.Join(root, testAddr, "physfn"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	addr, err := ParseAddr(testAddr)
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	d, err := OpenAt(root, addr)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	defer d.Close()

	if !d.Info().IsVirtFn {
		t.Errorf("expected virtual function")
	}
}
