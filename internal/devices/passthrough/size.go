package passthrough

import "fmt"

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// groupSize computes the number of config-space bytes a group covers on this
// device. Strategies other than SizeFixed probe the hardware with read-only
// queries; MSI and MSI-X additionally allocate their runtime state here so
// the register inits that follow can rely on it.
func (d *Device) groupSize(grp *GroupDescriptor, base uint32) (uint32, error) {
	switch grp.SizeStrategy {
	case SizeFixed:
		return grp.Size, nil

	case SizeVendor:
		sz, err := d.host.ReadByte(base + 0x02)
		return uint32(sz), err

	case SizeExtVendor:
		hdr, err := d.host.ReadLong(base + pciVndrHeader)
		return vndrHeaderLen(hdr), err

	case SizeMSI:
		return d.msiGroupSize(base)

	case SizeMSIX:
		if err := d.msixInit(base); err != nil {
			return 0, err
		}
		return grp.Size, nil

	case SizePCIe:
		return d.pcieGroupSize()

	case SizeAER:
		return d.aerGroupSize(base)

	case SizeRCLD:
		descr, err := d.host.ReadLong(base + 4)
		return 0x10 + (descr>>8&0xff)*0x10, err

	case SizeACS:
		return d.acsGroupSize(base)

	case SizeMulticast:
		switch d.pcieDeviceType() {
		case pcieTypeRootPort, pcieTypeUpstream, pcieTypeDownstream:
			return 0x30, nil
		default:
			return pciExtCapMCEndpointLen, nil
		}

	case SizeDPA:
		caps, err := d.host.ReadLong(base + pciDPACap)
		return pciDPABaseSizeof + (caps & pciDPACapSubstateMask) + 1, err

	case SizeTPH:
		return d.tphGroupSize(base)

	case SizeDPC:
		caps, err := d.host.ReadWord(base + pciExpDPCCap)
		if err != nil {
			return 0, err
		}
		if caps&pciExpDPCCapRPExt != 0 {
			return 0x20 + uint32(caps&pciExpDPCRPPIOLogSize>>8)*4, nil
		}
		return 0x0c, nil

	case SizePMUX:
		caps, err := d.host.ReadLong(base + 4)
		return 0x10 + (caps&0x3f)*4, err

	case SizeRebar:
		ctl, err := d.host.ReadLong(base + pciRebarCtrl)
		return (ctl&pciRebarCtrlNBARMask>>pciRebarCtrlNBARShift)*8 + 4, err

	case SizeVChan:
		return d.vchanGroupSize(base)

	default:
		return 0, fmt.Errorf("%w: unknown size strategy %d", ErrInvariant, grp.SizeStrategy)
	}
}

// pcieGroupSize depends on the capability version and device/port type.
// Only endpoint passthrough is supported.
func (d *Device) pcieGroupSize() (uint32, error) {
	version := d.pcieCapabilityVersion()
	devType := d.pcieDeviceType()

	switch version {
	case 1:
		switch devType {
		case pcieTypeEndpoint, pcieTypeLegacyEnd:
			return 0x14, nil
		case pcieTypeRCEnd:
			// Has no link registers.
			return 0x0c, nil
		default:
			return 0, fmt.Errorf("%w: pcie device/port type %#x", ErrUnsupportedDevice, devType)
		}
	case 2:
		switch devType {
		case pcieTypeEndpoint, pcieTypeLegacyEnd, pcieTypeRCEnd:
			// Unimplemented register spaces are hardwired to zero but
			// still present.
			return 0x3c, nil
		default:
			return 0, fmt.Errorf("%w: pcie device/port type %#x", ErrUnsupportedDevice, devType)
		}
	default:
		return 0, fmt.Errorf("%w: pcie capability version %#x", ErrUnsupportedDevice, version)
	}
}

func (d *Device) aerGroupSize(base uint32) (uint32, error) {
	pciePos := d.host.FindNextCapability(0, capIDExp)
	if pciePos == 0 {
		return 0, fmt.Errorf("%w: aer present without a pcie capability", ErrInvariant)
	}

	var sz uint32
	if d.pcieCapabilityVersion() > 1 {
		devcaps2, err := d.host.ReadLong(pciePos + pciExpDevCap2)
		if err != nil {
			return 0, fmt.Errorf("reading device capabilities 2: %w", err)
		}
		if devcaps2&pciDevCap2EETLPPrefix != 0 {
			aerCaps, err := d.host.ReadLong(base + pciErrCap)
			if err != nil {
				return 0, fmt.Errorf("reading aer capabilities: %w", err)
			}
			if aerCaps&pciErrCapTLPPrefixLog != 0 {
				sz = 0x48
			}
		}
	}

	if sz == 0 {
		devType := d.pcieDeviceType()
		if devType == pcieTypeRootPort || devType == pcieTypeRCEC {
			sz = 0x38
		} else {
			sz = 0x2c
		}
	}
	return sz, nil
}

func (d *Device) acsGroupSize(base uint32) (uint32, error) {
	caps, err := d.host.ReadWord(base + pciACSCap)
	if err != nil {
		return 0, err
	}
	if caps&pciACSEgressCtl == 0 {
		return pciACSEgressCtlV, nil
	}
	vectorBits := uint32(caps >> 8 & 0xff)
	if vectorBits == 0 {
		vectorBits = 256
	}
	return pciACSEgressCtlV + alignUp(vectorBits, 8)/8, nil
}

func (d *Device) tphGroupSize(base uint32) (uint32, error) {
	caps, err := d.host.ReadLong(base + pciTPHCap)
	if err != nil {
		return 0, err
	}
	var entries uint32
	if caps&pciTPHCapLocMask == pciTPHLocCap {
		// The steering table lives in the capability itself.
		entries = caps&pciTPHCapSTMask>>pciTPHCapSTShift + 1
	}
	return pciTPHBaseSizeof + entries*2, nil
}

// arbTableLenMax resolves the highest advertised arbitration scheme to the
// number of table phases it needs. Schemes above maxBit are unknown to this
// model and logged, then sized by the generic rule.
func (d *Device) arbTableLenMax(maxBit int, arbCap uint32) uint32 {
	if arbCap == 0 {
		return 0
	}
	nBit := 7
	for nBit >= 0 && arbCap&(1<<nBit) == 0 {
		nBit--
	}
	if nBit > maxBit {
		d.log.Warn("unknown vc arbitration capability", "cap", fmt.Sprintf("%#02x", arbCap))
	}
	switch nBit {
	case 0:
		return 0
	case 1:
		return 32
	case 2:
		return 64
	case 3, 4:
		return 128
	default:
		return 8 << nBit
	}
}

// vchanGroupSize walks the VC resource entries and their arbitration tables
// to find the true extent of a Virtual Channel capability. Arbitration
// table offsets pointing outside the capability's window are invalid and
// skipped with a warning.
func (d *Device) vchanGroupSize(base uint32) (uint32, error) {
	header, err := d.host.ReadLong(base)
	if err != nil {
		return 0, fmt.Errorf("reading vc capability header: %w", err)
	}

	switch extCapHeaderID(header) {
	case extCapIDVC, extCapIDVC9, extCapIDMFVC:
	default:
		return 0, fmt.Errorf("%w: vc sizing on capability id %#04x", ErrInvariant, extCapHeaderID(header))
	}

	capMaxSize := pcieConfigSpaceSize - base
	if next := extCapHeaderNext(header); next != 0 && next > base {
		capMaxSize = next - base
	}

	portVCCap1, err := d.host.ReadLong(base + pciVCPortCap1)
	if err != nil {
		return 0, fmt.Errorf("reading port vc capability 1: %w", err)
	}
	portVCCap2, err := d.host.ReadLong(base + pciVCPortCap2)
	if err != nil {
		return 0, fmt.Errorf("reading port vc capability 2: %w", err)
	}

	extVCCount := portVCCap1 & pciVCCap1EVCC

	arbTableStartMax := portVCCap2 >> 24 * 0x10
	if arbTableStartMax >= capMaxSize {
		d.log.Warn("vc arbitration table offset outside capability window",
			"offset", fmt.Sprintf("%#04x", arbTableStartMax))
		arbTableStartMax = 0
	}

	var arbTableEndMax uint32
	if arbTableStartMax != 0 {
		phases := d.arbTableLenMax(3, portVCCap2&0xff)
		arbTableEndMax = base + arbTableStartMax + alignUp(phases*4, 32)/8
	}

	// Function/Port arbitration table entry size in bits.
	entrySize := uint32(1) << (portVCCap1 & pciVCCap1ArbSize >> 10)

	for i := uint32(0); i < extVCCount; i++ {
		rsrcCap, err := d.host.ReadLong(base + pciVCResCap + i*pciVCPerVCSizeof)
		if err != nil {
			return 0, fmt.Errorf("reading vc resource capability %d: %w", i, err)
		}

		offset := rsrcCap >> 24 * 0x10
		if offset <= arbTableStartMax {
			continue
		}
		if offset >= capMaxSize {
			d.log.Warn("port/function arbitration table offset outside capability window",
				"offset", fmt.Sprintf("%#04x", offset))
			continue
		}
		arbTableStartMax = offset

		phases := d.arbTableLenMax(5, rsrcCap&0xff)
		arbTableEndMax = base + offset + alignUp(phases*entrySize, 32)/8
	}

	if arbTableEndMax != 0 {
		return arbTableEndMax - base, nil
	}
	return pciVCBaseSizeof + extVCCount*pciVCPerVCSizeof, nil
}
