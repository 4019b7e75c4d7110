package passthrough

import "fmt"

// initValue computes the initial shadow value for one register during the
// build pass. ok reports whether the register applies to this device at all;
// entries that do not apply (unused BARs, the wrong MSI layout variant) are
// simply never instantiated.
func (d *Device) initValue(g *RegisterGroup, reg *RegisterDescriptor, offset uint32) (data uint32, ok bool, err error) {
	switch reg.Kind {
	case KindVendorID:
		return uint32(d.host.Info().VendorID), true, nil
	case KindDeviceID:
		return uint32(d.host.Info().DeviceID), true, nil
	case KindCapPointer:
		v, err := d.capPointerInit(offset)
		return v, true, err
	case KindStatus:
		v, err := d.statusInit()
		return v, true, err
	case KindHeaderType:
		v, err := d.host.ReadByte(offset)
		return uint32(v) | 0x80, true, err
	case KindInterruptPin:
		return d.interruptPinInit(offset)
	case KindBAR, KindExpansionROMBAR:
		return d.barInit(reg)
	case KindPCIeCapabilities:
		v, err := d.pcieCapabilitiesInit(offset)
		return v, true, err
	case KindLinkControl:
		if d.pcieDeviceType() == pcieTypeRCEnd && d.pcieCapabilityVersion() == 1 {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindDevControl2:
		if d.pcieCapabilityVersion() == 1 {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindLinkControl2:
		return d.linkControl2Init(g, reg, offset)
	case KindMSIControl:
		v, err := d.msiControlInit(offset)
		return v, true, err
	case KindMSIAddressHi:
		if d.msi.flags&pciMSIFlags64Bit == 0 {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindMSIData:
		if reg.Offset != msiDataOffset(d.msi.flags) {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindMSIMask:
		if d.msi.flags&pciMSIFlagsMaskBit == 0 || reg.Offset != msiMaskOffset(d.msi.flags) {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindMSIPending:
		if d.msi.flags&pciMSIFlagsMaskBit == 0 || reg.Offset != msiPendingOffset(d.msi.flags) {
			return 0, false, nil
		}
		return reg.InitVal, true, nil
	case KindMSIXControl:
		v, err := d.msixControlInit(offset)
		return v, true, err
	case KindExtCapID:
		v, err := d.extCapIDInit(g, offset)
		return v, true, err
	case KindExtCapPointer:
		v, err := d.extCapPointerInit(offset)
		return v, true, err
	default:
		return reg.InitVal, true, nil
	}
}

// statusInit derives the capability-list bit from the emulated Capabilities
// Pointer: if every capability got spliced out, the guest must not go
// looking for a chain. The pointer entry is declared before Status in the
// header group, so its absence means the build order broke.
func (d *Device) statusInit() (uint32, error) {
	hdr := d.findGroupByID(GroupIDHeader)
	if hdr == nil {
		return 0, fmt.Errorf("%w: status init before the header group", ErrInvariant)
	}
	e := hdr.FindRegister(pciCapabilityPtr)
	if e == nil {
		return 0, fmt.Errorf("%w: status init without an emulated capability pointer", ErrInvariant)
	}
	if e.load(d) == 0 {
		return 0, nil
	}
	return pciStatusCapList, nil
}

func (d *Device) interruptPinInit(offset uint32) (uint32, bool, error) {
	if d.host.Info().IRQ == 0 {
		return 0, true, nil
	}
	v, err := d.host.ReadByte(offset)
	return uint32(v), true, err
}

func (d *Device) pcieCapabilityVersion() uint8 {
	return uint8(d.host.Info().PCIeFlags & pciExpFlagsVers)
}

func (d *Device) pcieDeviceType() uint8 {
	return uint8(d.host.Info().PCIeFlags&pciExpFlagsType) >> 4
}

// pcieCapabilitiesInit fakes the device/port type of endpoints to Root
// Complex integrated endpoint. The passed-through function sits on bus 0 of
// the guest, and Windows' pci.sys rejects a plain endpoint there during its
// PCIe topology check.
func (d *Device) pcieCapabilitiesInit(offset uint32) (uint32, error) {
	field, err := d.host.ReadWord(offset)
	if err != nil {
		return 0, fmt.Errorf("reading pcie capabilities register: %w", err)
	}
	switch d.pcieDeviceType() {
	case pcieTypeEndpoint, pcieTypeLegacyEnd:
		faked := field&^pciExpFlagsType | pcieTypeRCEnd<<4
		d.log.Debug("faking pcie device type to rc integrated endpoint",
			"original", fmt.Sprintf("%#04x", field),
			"faked", fmt.Sprintf("%#04x", faked))
		field = faked
	}
	return uint32(field), nil
}

// linkControl2Init seeds Target Link Speed with the hardware's Supported
// Link Speed so the guest does not request a speed the link cannot do.
func (d *Device) linkControl2Init(g *RegisterGroup, reg *RegisterDescriptor, offset uint32) (uint32, bool, error) {
	if d.pcieCapabilityVersion() == 1 {
		return 0, false, nil
	}
	lnkcap, err := d.host.ReadByte(g.baseOffset + pciExpLnkCap)
	if err != nil {
		return 0, false, fmt.Errorf("reading link capabilities: %w", err)
	}
	return uint32(lnkcap) & pciExpLnkCapSLS, true, nil
}
