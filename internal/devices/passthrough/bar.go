package passthrough

import "fmt"

// Per-class BAR bit masks. The low bits of a BAR are read-only type flags;
// everything above them is the emulated address.
const (
	barMemROMask  = 0x0000000f
	barMemEmuMask = 0xfffffff0
	barIOROMask   = 0x00000003
	barIOEmuMask  = 0xfffffffc
	barAllF       = 0xffffffff

	pciBaseAddressIOMask  = ^uint32(0x03)
	pciBaseAddressMemMask = ^uint32(0x0f)
)

func barOffsetToIndex(offset uint32) int {
	if offset == pciROMAddress {
		return pciROMSlot
	}
	if offset < pciBaseAddress0 || offset >= pciBaseAddress0+4*pciNumBARs {
		return -1
	}
	return int(offset-pciBaseAddress0) / 4
}

// emulSize rounds a region size up to the next power of two, which is what
// the size-probe protocol (write all ones, read back) assumes.
func emulSize(size uint64) uint64 {
	if size == 0 || size&(size-1) == 0 {
		return size
	}
	p := uint64(1)
	for p < size {
		p <<= 1
	}
	return p
}

// barClassify fixes the class of one BAR slot at build time. The odd half of
// a 64-bit memory BAR is recognized by looking at the slot before it.
func (d *Device) barClassify(index int) BARClass {
	if index > 0 && index < pciROMSlot {
		prev := d.host.Region(index - 1).Type
		if prev&RegionTypeMem != 0 && prev&RegionTypeMem64 != 0 &&
			d.bars[index-1] != BARUpper64 {
			return BARUpper64
		}
	}
	r := d.host.Region(index)
	if r.Size == 0 {
		return BARUnused
	}
	if index == pciROMSlot {
		return BARMem
	}
	if r.Type&RegionTypeIO != 0 {
		return BARIO
	}
	return BARMem
}

// barInit classifies the slot and seeds the shadow with the host region
// address, so a guest that never reprograms BARs sees the real placement.
func (d *Device) barInit(reg *RegisterDescriptor) (uint32, bool, error) {
	index := barOffsetToIndex(reg.Offset)
	if index < 0 || index >= pciNumRegions {
		return 0, false, fmt.Errorf("%w: bad BAR offset %#x", ErrInvariant, reg.Offset)
	}
	d.bars[index] = d.barClassify(index)
	switch d.bars[index] {
	case BARUnused:
		return 0, false, nil
	case BARUpper64:
		return uint32(d.host.Region(index - 1).BaseAddr >> 32), true, nil
	default:
		return baseAddressWithFlags(d.host.Region(index)), true, nil
	}
}

// baseAddressWithFlags rebuilds the guest-visible low bits from the region
// flags the host bus layer reported, since the raw config read may race with
// a host-side size probe.
func baseAddressWithFlags(r Region) uint32 {
	if r.Type&RegionTypeIO != 0 {
		return uint32(r.BaseAddr) | uint32(r.BusFlags)&^pciBaseAddressIOMask
	}
	return uint32(r.BaseAddr) | uint32(r.BusFlags)&^pciBaseAddressMemMask
}

func (d *Device) barRead(e *RegisterEntry, value *uint32, valid uint32) error {
	index := barOffsetToIndex(e.desc.Offset)
	if index < 0 || index >= pciNumRegions-1 {
		return fmt.Errorf("%w: bad BAR index %d", ErrInvariant, index)
	}

	*value = baseAddressWithFlags(d.host.Region(index))

	var emu uint32
	switch d.bars[index] {
	case BARMem:
		emu = barMemEmuMask
	case BARIO:
		emu = barIOEmuMask
	case BARUpper64:
		emu = barAllF
	}
	*value = mergeValue(*value, e.load(d), ^(emu & valid))
	return nil
}

// barWrite absorbs guest BAR programming entirely into the shadow copy. The
// read-only mask covers the alignment bits implied by the region size, so a
// size probe reads back the expected mask; hardware never sees the write.
func (d *Device) barWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	index := barOffsetToIndex(e.desc.Offset)
	if index < 0 || index >= pciNumRegions {
		return fmt.Errorf("%w: bad BAR index %d", ErrInvariant, index)
	}

	var emu, ro uint32
	switch d.bars[index] {
	case BARMem:
		emu = barMemEmuMask
		rSize := emulSize(d.host.Region(index).Size)
		if rSize == 0 {
			ro = barAllF
		} else {
			ro = barMemROMask | uint32(rSize-1)
		}
	case BARIO:
		emu = barIOEmuMask
		rSize := emulSize(d.host.Region(index).Size)
		ro = barIOROMask | uint32(rSize-1)
	case BARUpper64:
		emu = barAllF
		rSize := uint32(emulSize(d.host.Region(index-1).Size) >> 32)
		if rSize != 0 {
			ro = rSize - 1
		}
	}

	writable := emu &^ ro & valid
	e.store(d, mergeValue(*val, e.load(d), writable))

	*val = devValue
	return nil
}

// romBARWrite keeps the ROM address in the shadow but lets the enable bit
// through to hardware.
func (d *Device) romBARWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	rSize := emulSize(d.host.Region(pciROMSlot).Size)

	var ro uint32
	if rSize != 0 {
		ro = uint32(rSize - 1)
	}
	ro = (reg.ROMask | ro) &^ pciROMAddressEnable

	writable := ^ro & valid
	e.store(d, mergeValue(*val, e.load(d), writable))

	*val = mergeValue(*val, devValue, d.throughableMask(reg, valid))
	return nil
}

// commandWrite forwards the INTx disable bit whenever the guest sets it, or
// unconditionally while the host INTx line is in use, so a guest can always
// quiesce a screaming interrupt.
func (d *Device) commandWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc

	writable := ^reg.ROMask & valid
	e.store(d, mergeValue(*val, e.load(d), writable))

	throughable := d.throughableMask(reg, valid)
	if *val&pciCommandIntxDisable != 0 {
		throughable |= pciCommandIntxDisable
	} else if d.intxInUse {
		throughable |= pciCommandIntxDisable
	}
	*val = mergeValue(*val, devValue&^reg.RW1CMask, throughable)
	return nil
}
