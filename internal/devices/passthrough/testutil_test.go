package passthrough

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

// fakeHost is an in-memory HostDevice backed by a flat config space image.
type fakeHost struct {
	config  [pcieConfigSpaceSize]byte
	info    DeviceInfo
	regions [pciNumRegions]Region
}

func (f *fakeHost) ReadByte(pos uint32) (uint8, error) {
	if pos >= pcieConfigSpaceSize {
		return 0, fmt.Errorf("read at %#x out of range", pos)
	}
	return f.config[pos], nil
}

func (f *fakeHost) ReadWord(pos uint32) (uint16, error) {
	if pos+2 > pcieConfigSpaceSize {
		return 0, fmt.Errorf("read at %#x out of range", pos)
	}
	return binary.LittleEndian.Uint16(f.config[pos:]), nil
}

func (f *fakeHost) ReadLong(pos uint32) (uint32, error) {
	if pos+4 > pcieConfigSpaceSize {
		return 0, fmt.Errorf("read at %#x out of range", pos)
	}
	return binary.LittleEndian.Uint32(f.config[pos:]), nil
}

func (f *fakeHost) WriteByte(pos uint32, v uint8) error {
	if pos >= pcieConfigSpaceSize {
		return fmt.Errorf("write at %#x out of range", pos)
	}
	f.config[pos] = v
	return nil
}

func (f *fakeHost) WriteWord(pos uint32, v uint16) error {
	if pos+2 > pcieConfigSpaceSize {
		return fmt.Errorf("write at %#x out of range", pos)
	}
	binary.LittleEndian.PutUint16(f.config[pos:], v)
	return nil
}

func (f *fakeHost) WriteLong(pos uint32, v uint32) error {
	if pos+4 > pcieConfigSpaceSize {
		return fmt.Errorf("write at %#x out of range", pos)
	}
	binary.LittleEndian.PutUint32(f.config[pos:], v)
	return nil
}

func (f *fakeHost) FindNextCapability(start uint32, id uint32) uint32 {
	if binary.LittleEndian.Uint16(f.config[pciStatus:])&pciStatusCapList == 0 {
		return 0
	}
	cur := start
	if cur < pciCapabilityPtr {
		cur = pciCapabilityPtr
	}
	for hops := 0; hops < maxLegacyCapHops; hops++ {
		next := f.config[cur]
		if next == 0 {
			return 0
		}
		cur = uint32(next)
		if id == CapIDAny {
			return cur
		}
		capID := f.config[cur+pciCapListID]
		if capID == 0xff {
			return 0
		}
		if uint32(capID) == id {
			return cur
		}
		cur += pciCapListNext
	}
	return 0
}

func (f *fakeHost) FindNextExtCapability(start uint32, id uint32) uint32 {
	pos := start
	if pos == 0 {
		pos = pciConfigSpaceSize
	} else {
		pos = extCapHeaderNext(binary.LittleEndian.Uint32(f.config[pos:]))
	}
	for hops := 0; hops < maxExtCapHops; hops++ {
		if pos == 0 || pos < pciConfigSpaceSize {
			return 0
		}
		header := binary.LittleEndian.Uint32(f.config[pos:])
		if header == 0 || header == ^uint32(0) {
			return 0
		}
		if id == CapIDAny || uint32(extCapHeaderID(header)) == id {
			return pos
		}
		pos = extCapHeaderNext(header)
	}
	return 0
}

func (f *fakeHost) Info() DeviceInfo { return f.info }

func (f *fakeHost) Region(index int) Region {
	if index < 0 || index >= pciNumRegions {
		return Region{}
	}
	return f.regions[index]
}

func (f *fakeHost) putByte(pos uint32, v uint8)  { f.config[pos] = v }
func (f *fakeHost) putWord(pos uint32, v uint16) { binary.LittleEndian.PutUint16(f.config[pos:], v) }
func (f *fakeHost) putLong(pos uint32, v uint32) { binary.LittleEndian.PutUint32(f.config[pos:], v) }

func (f *fakeHost) word(pos uint32) uint16 { return binary.LittleEndian.Uint16(f.config[pos:]) }
func (f *fakeHost) long(pos uint32) uint32 { return binary.LittleEndian.Uint32(f.config[pos:]) }

// newFakeNIC models a PCIe v2 endpoint with a 64-bit prefetchable memory BAR,
// an I/O BAR, an expansion ROM and a PM -> MSI -> PCIe -> vendor capability
// chain fronted by an unmodeled capability. Extended space carries AER
// followed by a Device Serial Number.
func newFakeNIC() *fakeHost {
	f := &fakeHost{
		info: DeviceInfo{
			VendorID:  0x8086,
			DeviceID:  0x10fb,
			ClassCode: 0x020000,
			IRQ:       11,
			PCIeFlags: 0x0002,
		},
	}

	f.putWord(pciVendorID, 0x8086)
	f.putWord(pciDeviceID, 0x10fb)
	f.putWord(pciCommand, 0x0007)
	f.putWord(pciStatus, 0x0010)
	f.putByte(0x08, 0x01)
	f.putByte(0x0b, 0x02)
	f.putByte(0x0c, 0x10)
	f.putLong(pciBaseAddress0, 0xe000000c)
	f.putLong(pciBaseAddress0+8, 0x0000d001)
	f.putLong(pciROMAddress, 0xfe000000)
	f.putByte(pciCapabilityPtr, 0x40)
	f.putByte(pciInterruptLine, 0x0b)
	f.putByte(pciInterruptPin, 0x01)

	// Unmodeled capability, spliced out of the guest chain.
	f.putByte(0x40, 0x21)
	f.putByte(0x41, 0x50)

	f.putByte(0x50, capIDPM)
	f.putByte(0x51, 0x60)
	f.putWord(0x50+pciPMCtrl, 0x0008)

	f.putByte(0x60, capIDMSI)
	f.putByte(0x61, 0x78)
	f.putWord(0x60+pciMSIFlags, pciMSIFlags64Bit|pciMSIFlagsMaskBit)

	f.putByte(0x78, capIDExp)
	f.putByte(0x79, 0xb8)
	f.putWord(0x78+pciExpFlags, 0x0002) // v2 endpoint
	f.putWord(0x78+pciExpDevCtl, 0x2810)
	f.putLong(0x78+pciExpLnkCap, 0x00000003)

	f.putByte(0xb8, capIDVendor)
	f.putByte(0xba, 0x0c) // vendor capability length

	f.putLong(0x100, 0x140<<20|1<<16|extCapIDErr)
	f.putLong(0x140, 1<<16|extCapIDDSN)

	f.regions[0] = Region{BaseAddr: 0xe0000000, Size: 0x800000,
		Type: RegionTypeMem | RegionTypeMem64 | RegionTypePrefetch, BusFlags: 0x0c}
	f.regions[2] = Region{BaseAddr: 0xd000, Size: 0x80, Type: RegionTypeIO, BusFlags: 0x01}
	f.regions[6] = Region{BaseAddr: 0xfe000000, Size: 0x80000, Type: RegionTypeMem}
	return f
}

// newFakeMSIXDevice models a conventional PCI function with a single memory
// BAR and an MSI-X capability whose table and PBA live in BAR 2.
func newFakeMSIXDevice() *fakeHost {
	f := &fakeHost{
		info: DeviceInfo{
			VendorID:  0x10de,
			DeviceID:  0x2204,
			ClassCode: 0x030000,
			PCIeFlags: 0xffff,
		},
	}

	f.putWord(pciVendorID, 0x10de)
	f.putWord(pciDeviceID, 0x2204)
	f.putWord(pciCommand, 0x0006)
	f.putWord(pciStatus, 0x0010)
	f.putLong(pciBaseAddress0, 0xd0000000)
	f.putLong(pciBaseAddress0+8, 0xd0004000)
	f.putByte(pciCapabilityPtr, 0x60)

	f.putByte(0x60, capIDMSIX)
	f.putWord(0x60+pciMSIXFlags, 0x0007) // 8 vectors
	f.putLong(0x60+pciMSIXTable, 0x00002002)
	f.putLong(0x60+pciMSIXPBA, 0x00003002)

	f.regions[0] = Region{BaseAddr: 0xd0000000, Size: 0x4000, Type: RegionTypeMem}
	f.regions[2] = Region{BaseAddr: 0xd0004000, Size: 0x4000, Type: RegionTypeMem}
	return f
}

// fakeBackend records interrupt backend calls and fails where told to.
type fakeBackend struct {
	setupErr    error
	updateErr   error
	initMSIXErr error

	setupCalls       int
	updateCalls      int
	disableCalls     int
	initMSIXCalls    int
	updateMSIXCalls  int
	disableMSIXCalls int
	unmapCalls       int

	lastAddrLo uint32
	lastAddrHi uint32
	lastData   uint16
	lastMask   uint32
	msixInfo   MSIXInfo
}

func (b *fakeBackend) SetupMSI() error {
	b.setupCalls++
	return b.setupErr
}

func (b *fakeBackend) UpdateMSI(addrLo, addrHi uint32, data uint16, mask uint32) error {
	if b.updateErr != nil {
		return b.updateErr
	}
	b.updateCalls++
	b.lastAddrLo, b.lastAddrHi, b.lastData, b.lastMask = addrLo, addrHi, data, mask
	return nil
}

func (b *fakeBackend) DisableMSI() error {
	b.disableCalls++
	return nil
}

func (b *fakeBackend) InitMSIX(info MSIXInfo) error {
	b.initMSIXCalls++
	b.msixInfo = info
	return b.initMSIXErr
}

func (b *fakeBackend) UpdateMSIX() error {
	b.updateMSIXCalls++
	return nil
}

func (b *fakeBackend) DisableMSIX() error {
	b.disableMSIXCalls++
	return nil
}

func (b *fakeBackend) UnmapMSIX() error {
	b.unmapCalls++
	return nil
}

func newTestDevice(t *testing.T, f *fakeHost, opts Options) *Device {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d, err := New(f, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}
