package passthrough

import "fmt"

// msiState tracks the guest-programmed MSI message and the lifecycle of the
// physical vector. initialized is sticky: the vector is set up at most once,
// later enables reuse it.
type msiState struct {
	flags  uint16
	addrLo uint32
	addrHi uint32
	data   uint16
	mask   uint32

	ctrlOffset  uint32
	initialized bool
	mapped      bool
}

// The Message Data, Mask and Pending registers move depending on whether the
// capability is 64-bit.
func msiDataOffset(flags uint16) uint32 {
	if flags&pciMSIFlags64Bit != 0 {
		return pciMSIData64
	}
	return pciMSIData32
}

func msiMaskOffset(flags uint16) uint32 {
	if flags&pciMSIFlags64Bit != 0 {
		return pciMSIMask64
	}
	return pciMSIMask32
}

func msiPendingOffset(flags uint16) uint32 {
	return msiMaskOffset(flags) + 4
}

// msiGroupSize computes the capability length from the hardware control
// register and allocates the MSI state.
func (d *Device) msiGroupSize(base uint32) (uint32, error) {
	ctrl, err := d.host.ReadWord(base + pciMSIFlags)
	if err != nil {
		return 0, fmt.Errorf("reading msi control: %w", err)
	}
	size := uint32(0x0a)
	if ctrl&pciMSIFlags64Bit != 0 {
		size += 4
	}
	if ctrl&pciMSIFlagsMaskBit != 0 {
		size += 10
	}
	d.msi = &msiState{}
	return size, nil
}

// msiControlInit seeds the MSI state from hardware. A capability left
// enabled by firmware or a previous owner is disabled first.
func (d *Device) msiControlInit(offset uint32) (uint32, error) {
	field, err := d.host.ReadWord(offset)
	if err != nil {
		return 0, fmt.Errorf("reading msi control: %w", err)
	}
	if field&pciMSIFlagsEnable != 0 {
		d.log.Info("msi already enabled, disabling it first")
		if err := d.host.WriteWord(offset, field&^pciMSIFlagsEnable); err != nil {
			return 0, fmt.Errorf("disabling msi: %w", err)
		}
	}
	d.msi.flags |= field
	d.msi.ctrlOffset = offset
	d.msi.initialized = false
	d.msi.mapped = false
	return 0, nil
}

func (d *Device) msiUpdate() {
	msi := d.msi
	if err := d.intr.UpdateMSI(msi.addrLo, msi.addrHi, msi.data, msi.mask); err != nil {
		d.log.Warn("msi update failed", "err", err)
	}
}

func (d *Device) msiDisable() {
	if err := d.intr.DisableMSI(); err != nil {
		d.log.Warn("msi disable failed", "err", err)
	}
	d.msi.mapped = false
	d.msi.flags &^= pciMSIFlagsEnable
}

// msiControlWrite handles guest enable/disable. A setup or bind failure
// degrades the feature: the enable bit is pulled from the forwarded value
// and the guest simply sees MSI refuse to turn on.
func (d *Device) msiControlWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	msi := d.msi

	// Multi-vector is not modeled.
	if *val&pciMSIFlagsQSize != 0 {
		d.log.Warn("guest requested multiple msi vectors", "ctrl", fmt.Sprintf("%#x", *val))
	}

	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, e.load(d), writable))
	msi.flags |= uint16(e.load(d)) &^ pciMSIFlagsEnable

	*val = mergeValue(*val, devValue, d.throughableMask(reg, valid))

	if *val&pciMSIFlagsEnable != 0 {
		if !msi.initialized {
			d.log.Debug("setting up msi", "ctrl", fmt.Sprintf("%#x", *val))
			if err := d.intr.SetupMSI(); err != nil {
				*val &^= pciMSIFlagsEnable
				d.log.Warn("cannot map msi, leaving it disabled", "err", err)
				return nil
			}
			if err := d.intr.UpdateMSI(msi.addrLo, msi.addrHi, msi.data, msi.mask); err != nil {
				*val &^= pciMSIFlagsEnable
				d.log.Warn("cannot bind msi, leaving it disabled", "err", err)
				return nil
			}
			msi.initialized = true
			msi.mapped = true
		}
		msi.flags |= pciMSIFlagsEnable
	} else if msi.mapped {
		d.msiDisable()
	}
	return nil
}

func (d *Device) msiAddressLoWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	old := e.load(d)

	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, old, writable))
	d.msi.addrLo = e.load(d)

	// The message address never reaches hardware.
	*val = devValue

	if e.load(d) != old && d.msi.mapped {
		d.msiUpdate()
	}
	return nil
}

func (d *Device) msiAddressHiWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	if d.msi.flags&pciMSIFlags64Bit == 0 {
		return fmt.Errorf("%w: write to msi upper address on a 32-bit capability", ErrInvariant)
	}
	old := e.load(d)

	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, old, writable))
	d.msi.addrHi = e.load(d)

	*val = devValue

	if e.load(d) != old && d.msi.mapped {
		d.msiUpdate()
	}
	return nil
}

func (d *Device) msiDataWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	if reg.Offset != msiDataOffset(d.msi.flags) {
		return fmt.Errorf("%w: msi data offset %#x does not match the capability layout", ErrInvariant, reg.Offset)
	}
	old := e.load(d)

	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, old, writable))
	d.msi.data = uint16(e.load(d))

	*val = devValue

	if e.load(d) != old && d.msi.mapped {
		d.msiUpdate()
	}
	return nil
}

func (d *Device) msiMaskWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	d.genericWrite(e, val, devValue, valid)
	d.msi.mask = *val
	return nil
}
