package passthrough

import (
	"encoding/binary"
	"fmt"
)

// mergeValue keeps the mask bits of val and takes everything else from data.
func mergeValue(val, data, mask uint32) uint32 {
	return val&mask | data&^mask
}

// load returns the entry's shadow value at its declared width.
func (e *RegisterEntry) load(d *Device) uint32 {
	switch e.desc.Size {
	case 1:
		return uint32(d.shadow[e.offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(d.shadow[e.offset:]))
	default:
		return binary.LittleEndian.Uint32(d.shadow[e.offset:])
	}
}

// store writes the entry's shadow value at its declared width.
func (e *RegisterEntry) store(d *Device, v uint32) {
	switch e.desc.Size {
	case 1:
		d.shadow[e.offset] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(d.shadow[e.offset:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(d.shadow[e.offset:], v)
	}
}

// throughableMask selects the guest-written bits forwarded verbatim to
// hardware: neither emulated nor read-only, and not reserved unless the
// device is permissive.
func (d *Device) throughableMask(reg *RegisterDescriptor, valid uint32) uint32 {
	t := ^(reg.EmuMask | reg.ROMask)
	if !d.permissive {
		t &^= reg.ResMask
	}
	return t & valid
}

// readEntry merges the emulated shadow bits into value, which arrives
// holding the live hardware register. Only bits in valid are touched.
func (d *Device) readEntry(e *RegisterEntry, value *uint32, valid uint32) error {
	reg := e.desc
	switch reg.Kind {
	case KindBAR:
		return d.barRead(e, value, valid)
	case KindVendorOpregion:
		*value = d.opregion.ReadOpregion()
		return nil
	default:
		*value = mergeValue(*value, e.load(d), ^(reg.EmuMask & valid))
		return nil
	}
}

// writeEntry folds a guest write into the shadow copy and rewrites val into
// the value to forward to hardware. devValue is the live register content.
func (d *Device) writeEntry(e *RegisterEntry, val *uint32, devValue uint32, valid uint32) error {
	reg := e.desc
	switch reg.Kind {
	case KindCommand:
		return d.commandWrite(e, val, devValue, valid)
	case KindBAR:
		return d.barWrite(e, val, devValue, valid)
	case KindExpansionROMBAR:
		return d.romBARWrite(e, val, devValue, valid)
	case KindMSIControl:
		return d.msiControlWrite(e, val, devValue, valid)
	case KindMSIAddressLo:
		return d.msiAddressLoWrite(e, val, devValue, valid)
	case KindMSIAddressHi:
		return d.msiAddressHiWrite(e, val, devValue, valid)
	case KindMSIData:
		return d.msiDataWrite(e, val, devValue, valid)
	case KindMSIMask:
		return d.msiMaskWrite(e, val, devValue, valid)
	case KindMSIXControl:
		return d.msixControlWrite(e, val, devValue, valid)
	case KindVendorOpregion:
		d.opregion.WriteOpregion(*val)
		return nil
	default:
		d.genericWrite(e, val, devValue, valid)
		return nil
	}
}

// genericWrite is the plain merge: shadow takes the writable emulated bits,
// hardware gets the throughable bits with RW1C bits stripped from the old
// device value so the forwarded merge cannot re-clear latched status.
func (d *Device) genericWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) {
	reg := e.desc
	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, e.load(d), writable))
	*val = mergeValue(*val, devValue&^reg.RW1CMask, d.throughableMask(reg, valid))
}

// HandleRead services a guest config-space read of 1, 2 or 4 bytes,
// merging live hardware, shadow state and group policy.
func (d *Device) HandleRead(offset uint32, size uint8) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0, err
	}

	var out uint32
	end := offset + uint32(size)
	cur := offset
	for cur < end {
		g := d.FindGroup(cur)
		if g == nil {
			// Untracked space flows through to hardware.
			chunk := passthroughSpan(d, cur, end)
			v, err := d.hostRead(cur, uint8(chunk))
			if err != nil {
				return 0, fmt.Errorf("host read at %#04x: %w", cur, err)
			}
			out |= v << ((cur - offset) * 8)
			cur += chunk
			continue
		}

		e := g.FindRegister(cur)
		if e == nil {
			if g.hardwired {
				// Hidden capability bodies read as zero.
				cur++
				continue
			}
			v, err := d.host.ReadByte(cur)
			if err != nil {
				return 0, fmt.Errorf("host read at %#04x: %w", cur, err)
			}
			out |= uint32(v) << ((cur - offset) * 8)
			cur++
			continue
		}

		val, err := d.hostRead(e.offset, e.desc.Size)
		if err != nil {
			return 0, fmt.Errorf("host read at %#04x: %w", e.offset, err)
		}
		lo, hi, shift := overlap(e, offset, end)
		if err := d.readEntry(e, &val, spanMask(lo, hi)); err != nil {
			return 0, err
		}
		out |= (val & spanMask(lo, hi)) >> (lo * 8) << shift
		cur = e.offset + hi
	}
	return out, nil
}

// HandleWrite services a guest config-space write of 1, 2 or 4 bytes. The
// shadow copy absorbs emulated bits; the remainder is merged with the live
// hardware value and written back.
func (d *Device) HandleWrite(offset uint32, size uint8, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}

	end := offset + uint32(size)
	cur := offset
	for cur < end {
		g := d.FindGroup(cur)
		if g == nil {
			chunk := passthroughSpan(d, cur, end)
			v := value >> ((cur - offset) * 8)
			if err := d.hostWrite(cur, uint8(chunk), v&spanMask(0, chunk)); err != nil {
				return fmt.Errorf("host write at %#04x: %w", cur, err)
			}
			cur += chunk
			continue
		}

		e := g.FindRegister(cur)
		if e == nil {
			if g.hardwired {
				// Writes to hidden capability bodies are dropped.
				cur++
				continue
			}
			v := uint8(value >> ((cur - offset) * 8))
			if err := d.host.WriteByte(cur, v); err != nil {
				return fmt.Errorf("host write at %#04x: %w", cur, err)
			}
			cur++
			continue
		}

		devValue, err := d.hostRead(e.offset, e.desc.Size)
		if err != nil {
			return fmt.Errorf("host read at %#04x: %w", e.offset, err)
		}
		lo, hi, shift := overlap(e, offset, end)
		val := value >> shift << (lo * 8) & spanMask(lo, hi)
		if err := d.writeEntry(e, &val, devValue, spanMask(lo, hi)); err != nil {
			return err
		}
		if err := d.hostWrite(e.offset, e.desc.Size, val); err != nil {
			return fmt.Errorf("host write at %#04x: %w", e.offset, err)
		}
		cur = e.offset + hi
	}
	return nil
}

// overlap computes the byte range [lo, hi) of entry e covered by the guest
// access [start, end), and the bit shift of that range within the access.
func overlap(e *RegisterEntry, start, end uint32) (lo, hi uint32, shift uint32) {
	lo = 0
	if start > e.offset {
		lo = start - e.offset
	}
	hi = uint32(e.desc.Size)
	if end < e.offset+hi {
		hi = end - e.offset
	}
	shift = (e.offset + lo - start) * 8
	return lo, hi, shift
}

// spanMask builds the bit mask covering bytes [lo, hi) of a register.
func spanMask(lo, hi uint32) uint32 {
	if hi >= 4 {
		return ^uint32(0) << (lo * 8)
	}
	return (uint32(1)<<(hi*8) - 1) &^ (uint32(1)<<(lo*8) - 1)
}

// passthroughSpan picks the widest natural access that stays inside
// untracked space, mirroring how the host bridge splits MMIO accesses.
func passthroughSpan(d *Device, cur, end uint32) uint32 {
	remaining := end - cur
	chunk := uint32(1)
	if cur%4 == 0 && remaining >= 4 {
		chunk = 4
	} else if cur%2 == 0 && remaining >= 2 {
		chunk = 2
	}
	for off := cur + 1; off < cur+chunk; off++ {
		if d.FindGroup(off) != nil {
			chunk = off - cur
			break
		}
	}
	return chunk
}

func checkAccess(offset uint32, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("invalid access size %d", size)
	}
	if offset+uint32(size) > pcieConfigSpaceSize {
		return fmt.Errorf("access at %#x size %d outside config space", offset, size)
	}
	return nil
}

// ReadConfig implements the host bridge ConfigSpace interface.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return d.HandleRead(uint32(offset), size)
}

// WriteConfig implements the host bridge ConfigSpace interface.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	return d.HandleWrite(uint32(offset), size, value)
}
